// Command fluxpilot-sim assembles a source file and immediately runs its
// render loop, optionally streaming frames to an attached TCP preview
// viewer instead of stdout.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/moore/fluxpilot/pkg/asm"
	"github.com/moore/fluxpilot/pkg/host"
	"github.com/moore/fluxpilot/pkg/image"
	"github.com/moore/fluxpilot/pkg/vm"
)

func main() {
	log.SetFlags(0)
	filename := flag.String("f", "", "file to run")
	frames := flag.Int("frames", 60, "number of frames to render")
	leds := flag.Int("leds", 8, "number of LEDs per instance")
	memory := flag.Int("memory", 4096, "runtime memory size in words")
	preview := flag.Bool("preview", false, "wait for a TCP preview viewer")
	flag.Parse()
	if *filename == "" {
		log.Fatal("usage: fluxpilot-sim [-preview] [-frames N] [-leds N] -f <assembly-code-file>")
	}
	fp, err := os.Open(*filename)
	if err != nil {
		log.Fatal(err)
	}
	result := <-asm.StartAssembler(fp)
	fp.Close()
	if result.Error != nil {
		log.Fatal(result.Error)
	}
	img, err := image.Decode(result.Image)
	if err != nil {
		log.Fatal(err)
	}
	prog, err := vm.NewProgram(img, uint32(*memory))
	if err != nil {
		log.Fatal(err)
	}
	driver := host.New(vm.NewVM(prog))

	var strip host.Strip = host.StripFunc(func(instance int, pixels []host.RGB) error {
		fmt.Printf("instance %d:", instance)
		for _, px := range pixels {
			fmt.Printf(" %02x%02x%02x", px.R, px.G, px.B)
		}
		fmt.Println()
		return nil
	})
	if *preview {
		ps, err := host.PreviewAcceptConn()
		if err != nil {
			log.Fatal(err)
		}
		defer ps.Close()
		strip = ps
	}

	for inst := 0; inst < len(img.Instances); inst++ {
		if err := driver.Init(inst); err != nil {
			log.Fatal(err)
		}
	}
	for tick := 0; tick < *frames; tick++ {
		for inst := 0; inst < len(img.Instances); inst++ {
			pixels, err := driver.RenderFrame(inst, uint32(tick), *leds, func(led int, err error) {
				log.Printf("sim: instance %d led %d: %v", inst, led, err)
			})
			if err != nil {
				log.Fatal(err)
			}
			if err := strip.ShowFrame(inst, pixels); err != nil {
				log.Fatal(err)
			}
		}
	}
}
