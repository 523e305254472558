package host

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// The following errors may be emitted by the preview implementation.
var (
	ErrPreviewDetach = errors.New("preview: detach")
)

// PreviewStrip is a Strip that streams rendered frames to an attached
// TCP viewer, one text line per frame.
//
// The user of this struct is supposed to create a new instance by
// calling PreviewAcceptConn. The user shall defer calling Close. The
// user shall otherwise not manipulate the PreviewStrip and pass it
// where the render loop expects a Strip.
type PreviewStrip struct {
	conn net.Conn // control conn
}

// PreviewAcceptConn waits for a controlling TCP connection to attach
// to the preview. Once there is a control connection, this function
// returns with the preview strip instance.
func PreviewAcceptConn() (*PreviewStrip, error) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	log.Printf("preview: waiting for viewer to attach on %s/tcp...", nl.Addr())
	conn, err := nl.Accept()
	if err != nil {
		return nil, err
	}
	return &PreviewStrip{conn: conn}, nil
}

// Close closes the underlying connection.
func (ps *PreviewStrip) Close() error {
	return ps.conn.Close()
}

// LocalAddr returns the address where we're listening.
func (ps *PreviewStrip) LocalAddr() net.Addr {
	return ps.conn.LocalAddr()
}

// ShowFrame implements Strip. Each frame is one line of the form
// "instance N: rrggbb rrggbb ...". The write carries a short deadline so
// that a stalled viewer drops frames instead of blocking the render
// loop; the render loop must complete in bounded time no matter what
// the viewer does.
func (ps *PreviewStrip) ShowFrame(instance int, pixels []RGB) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "instance %d:", instance)
	for _, px := range pixels {
		fmt.Fprintf(&sb, " %02x%02x%02x", px.R, px.G, px.B)
	}
	sb.WriteByte('\n')
	ps.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	if _, err := ps.conn.Write([]byte(sb.String())); err != nil {
		// We're basically polling the connection every frame and we
		// drop the frame rather than stalling when the viewer is slow.
		if strings.HasSuffix(err.Error(), "i/o timeout") {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrPreviewDetach, err.Error())
	}
	return nil
}

var _ Strip = &PreviewStrip{}
