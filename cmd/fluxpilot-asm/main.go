// Command fluxpilot-asm assembles a light-machine source file into a
// program image.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/moore/fluxpilot/pkg/asm"
	"github.com/moore/fluxpilot/pkg/image"
)

func main() {
	log.SetFlags(0)
	filename := flag.String("f", "", "file to process")
	output := flag.String("o", "", "output image file (default stdout)")
	flag.Parse()
	if *filename == "" {
		log.Fatal("usage: fluxpilot-asm [-o <image-file>] -f <assembly-code-file>")
	}
	fp, err := os.Open(*filename)
	if err != nil {
		log.Fatal(err)
	}
	defer fp.Close()
	result := <-asm.StartAssembler(fp)
	if result.Error != nil {
		log.Fatal(result.Error)
	}
	out := os.Stdout
	if *output != "" {
		out, err = os.Create(*output)
		if err != nil {
			log.Fatal(err)
		}
		defer out.Close()
	}
	if err := image.WriteWords(out, result.Image); err != nil {
		log.Fatal(err)
	}
}
