package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/freeeve/usipv/internal/store"
)

func main() {
	var (
		targetPath = flag.String("eval-log", "./data/evals.csv.zst", "Eval log to import into")
		inputPath  = flag.String("input", "evals.csv", "Eval log to import from (.csv, .csv.gz, .csv.zst)")
		overwrite  = flag.Bool("overwrite", false, "Replace evals the target already has")
	)
	flag.Parse()

	target := store.NewEvalCache()
	existing, err := target.LoadFromFile(*targetPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load eval log: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d evals from %s\n", existing, *targetPath)

	input := store.NewEvalCache()
	if _, err := os.Stat(*inputPath); err != nil {
		fmt.Fprintf(os.Stderr, "open input file: %v\n", err)
		os.Exit(1)
	}
	if _, err := input.LoadFromFile(*inputPath); err != nil {
		fmt.Fprintf(os.Stderr, "load input: %v\n", err)
		os.Exit(1)
	}

	var imported, skipped, created uint64

	fmt.Printf("Importing evals from %s...\n", *inputPath)

	for _, key := range input.Keys() {
		eval, ok := input.Get(key)
		if !ok {
			continue
		}
		old, exists := target.Get(key)
		switch {
		case !exists:
			created++
		case old == eval:
			// Skip if record already has identical eval data
			skipped++
			continue
		case !*overwrite:
			skipped++
			continue
		}
		target.Put(eval)
		imported++

		if imported%10000 == 0 {
			fmt.Printf("Imported %d evals (skipped %d, created %d)\n", imported, skipped, created)
		}
	}

	n, err := target.SaveToFile(*targetPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "save eval log: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone! Imported %d evals (skipped %d, created %d), %d total in %s\n",
		imported, skipped, created, n, *targetPath)
}
