// Command fluxpilot-hostd talks to a real FluxPilot device over its
// USB-CDC serial port: it can load a freshly assembled program image
// (with an optional UI state blob), read the persisted UI state blob
// back, and then sit watching notifications and errors coming off the
// wire.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/moore/fluxpilot/pkg/deck"
	"github.com/moore/fluxpilot/pkg/image"
	"github.com/moore/fluxpilot/pkg/word"
)

func main() {
	log.SetFlags(0)
	portName := flag.String("port", "", "serial port of the device")
	baud := flag.Int("baud", 115200, "baud rate")
	load := flag.String("load", "", "program image file to load")
	uiFile := flag.String("ui", "", "UI state blob file to load alongside the program")
	readUI := flag.Bool("read-ui", false, "read the persisted UI state blob to stdout")
	call := flag.String("call", "", "issue a call: machine:function[:arg,arg,...]")
	watch := flag.Duration("watch", 0, "keep watching notifications for this long")
	timeout := flag.Duration("timeout", deck.DefaultWatchdog, "per-request watchdog")
	flag.Parse()
	if *portName == "" {
		log.Fatal("usage: fluxpilot-hostd -port <serial-port> [-load <image-file>] [-ui <blob-file>] [-read-ui] [-call m:f:args] [-watch <duration>]")
	}

	port, err := serial.Open(*portName, &serial.Mode{BaudRate: *baud})
	if err != nil {
		log.Fatal(err)
	}
	defer port.Close()

	handler := deck.Handler{
		OnReturn: func(id uint16, values []word.StackWord) {
			log.Printf("hostd: return id=%d values=%v", id, values)
		},
		OnNotification: func(machine, function uint16, values []word.StackWord) {
			log.Printf("hostd: notification machine=%d function=%d values=%v", machine, function, values)
		},
		OnError: func(hasID bool, id uint16, code uint16, msg string) {
			if hasID {
				log.Printf("hostd: error id=%d code=%d: %s", id, code, msg)
				return
			}
			log.Printf("hostd: error code=%d: %s", code, msg)
		},
		OnI2cDevices: func(id uint16, total uint16, devices []uint16) {
			log.Printf("hostd: i2c devices id=%d total=%d page=%v", id, total, devices)
		},
	}
	d, stop := deck.NewSerialDeck(port, handler, *timeout)
	defer stop()

	if *load != "" {
		if err := loadProgram(d, *load, *uiFile); err != nil {
			log.Fatal(err)
		}
	}
	if *readUI {
		blobCh := make(chan []byte, 1)
		err := d.ReadUIBlob(func(blob []byte, err error) {
			if err != nil {
				log.Fatal(err)
			}
			blobCh <- blob
		})
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(<-blobCh)
	}
	if *call != "" {
		if err := issueCall(d, *call); err != nil {
			log.Fatal(err)
		}
	}
	if *watch > 0 {
		time.Sleep(*watch)
	} else if *call != "" {
		// Give the reply a watchdog's worth of time to arrive.
		time.Sleep(*timeout)
	}
}

func loadProgram(d *deck.Deck, imageFile, uiFile string) error {
	fp, err := os.Open(imageFile)
	if err != nil {
		return err
	}
	defer fp.Close()
	words, err := image.ReadWords(fp)
	if err != nil {
		return err
	}
	if _, err := image.Decode(words); err != nil {
		return err
	}
	var blob []byte
	if uiFile != "" {
		blob, err = os.ReadFile(uiFile)
		if err != nil {
			return err
		}
	}
	return d.LoadProgram(words, blob)
}

// issueCall parses "machine:function[:arg,arg,...]" and sends the call.
func issueCall(d *deck.Deck, spec string) error {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return fmt.Errorf("hostd: malformed -call %q, want machine:function[:args]", spec)
	}
	var machine, function uint16
	if _, err := fmt.Sscanf(parts[0], "%d", &machine); err != nil {
		return fmt.Errorf("hostd: bad machine index %q", parts[0])
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &function); err != nil {
		return fmt.Errorf("hostd: bad function index %q", parts[1])
	}
	var args []word.StackWord
	if len(parts) == 3 && parts[2] != "" {
		for _, a := range strings.Split(parts[2], ",") {
			var v uint32
			if _, err := fmt.Sscanf(a, "%d", &v); err != nil {
				return fmt.Errorf("hostd: bad argument %q", a)
			}
			args = append(args, word.StackWord(v))
		}
	}
	return d.Call(machine, function, args)
}
