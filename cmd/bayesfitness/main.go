// Command bayesfitness fits population mean fitness and lineage fitness
// posteriors from barcode counts and summarises stored fits.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
