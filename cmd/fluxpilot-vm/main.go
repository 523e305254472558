// Command fluxpilot-vm loads an assembled program image and runs its
// render loop, printing each rendered frame to stdout.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/moore/fluxpilot/pkg/host"
	"github.com/moore/fluxpilot/pkg/image"
	"github.com/moore/fluxpilot/pkg/vm"
)

func main() {
	log.SetFlags(0)
	filename := flag.String("f", "", "file to run")
	frames := flag.Int("frames", 1, "number of frames to render")
	leds := flag.Int("leds", 8, "number of LEDs per instance")
	memory := flag.Int("memory", 4096, "runtime memory size in words")
	verbose := flag.Bool("v", false, "be verbose")
	flag.Parse()
	if *filename == "" {
		log.Fatal("usage: fluxpilot-vm [-v] [-frames N] [-leds N] -f <image-file>")
	}
	fp, err := os.Open(*filename)
	if err != nil {
		log.Fatal(err)
	}
	defer fp.Close()
	words, err := image.ReadWords(fp)
	if err != nil {
		log.Fatal(err)
	}
	img, err := image.Decode(words)
	if err != nil {
		log.Fatal(err)
	}
	prog, err := vm.NewProgram(img, uint32(*memory))
	if err != nil {
		log.Fatal(err)
	}
	machine := vm.NewVM(prog)
	driver := host.New(machine)
	render(driver, len(img.Instances), *frames, *leds, *verbose, machine)
}

func render(driver *host.Driver, instances, frames, leds int, verbose bool, machine *vm.VM) {
	for inst := 0; inst < instances; inst++ {
		if err := driver.Init(inst); err != nil {
			log.Fatal(err)
		}
	}
	for tick := 0; tick < frames; tick++ {
		for inst := 0; inst < instances; inst++ {
			pixels, err := driver.RenderFrame(inst, uint32(tick), leds, func(led int, err error) {
				log.Printf("vm: instance %d led %d: %v", inst, led, err)
			})
			if err != nil {
				log.Fatal(err)
			}
			if verbose {
				log.Printf("vm: %s", machine)
			}
			fmt.Printf("frame %d instance %d:", tick, inst)
			for _, px := range pixels {
				fmt.Printf(" %02x%02x%02x", px.R, px.G, px.B)
			}
			fmt.Println()
		}
	}
}
