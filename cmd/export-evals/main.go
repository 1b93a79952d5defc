package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/freeeve/usipv/internal/store"
)

func main() {
	var (
		inputPath  = flag.String("input", "./data/evals.csv.zst", "Input eval log (.csv, .csv.gz, .csv.zst)")
		outputPath = flag.String("output", "evals.csv", "Output eval log; the suffix picks the compression")
		mateOnly   = flag.Bool("mate-only", false, "export only positions with a mate score")
	)
	flag.Parse()

	fmt.Printf("Loading eval log: %s\n", *inputPath)

	cache := store.NewEvalCache()
	n, err := cache.LoadFromFile(*inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load eval log: %v\n", err)
		os.Exit(1)
	}
	stats := cache.Stats()
	fmt.Printf("Loaded %d evals (%d cp, %d mate)\n", n, stats.CP, stats.Mate)

	out := cache
	if *mateOnly {
		out = store.NewEvalCache()
		for _, key := range cache.Keys() {
			if e, ok := cache.Get(key); ok && e.Mate {
				out.Put(e)
			}
		}
	}

	written, err := out.SaveToFile(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "write output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone! Exported %d evals to %s\n", written, *outputPath)
}
