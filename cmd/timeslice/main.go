package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/cce/internal/timeslice"
)

func printSummary(s timeslice.Summary) {
	fmt.Printf("% 24s flags=% 16s count=% 8d timedout=% 6d sum=% 14s min=% 12s max=% 12s avg=% 12s\n",
		s.Kind, s.Flags, s.Count, s.TimedOut,
		s.Sum,
		s.Min,
		s.Max,
		s.Avg(),
	)
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Trace file written by r128sim -trace")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		summaries, err := timeslice.Summarize(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace: %v\n", err)
			os.Exit(1)
		}
		for _, s := range summaries {
			printSummary(s)
		}
		return
	}

	if err := timeslice.ReadAll(f, func(e timeslice.Entry) error {
		fmt.Printf("%s %s %s\n", e.Kind, e.Flags, e.Duration)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace: %v\n", err)
		os.Exit(1)
	}
}
