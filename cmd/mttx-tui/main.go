// Package main provides the terminal dashboard for the MTTx API.
package main

import (
	"flag"
	"fmt"
	"os"

	"secops-toolkit/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		opts        tui.Options
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&opts.BaseURL, "server", "http://localhost:8000", "MTTx server URL")
	flag.StringVar(&opts.BaseURL, "s", "http://localhost:8000", "MTTx server URL (shorthand)")
	flag.StringVar(&opts.TimeUnit, "unit", "DAY", "analysis window unit (SECOND, MINUTE, HOUR, DAY, WEEK, MONTH)")
	flag.IntVar(&opts.StartVal, "last", 30, "analysis window length in units")
	flag.Parse()

	if showVersion {
		fmt.Printf("mttx-tui %s\n", version)
		os.Exit(0)
	}

	// The key is read from the environment so it stays out of shell history.
	opts.APIKey = os.Getenv("SECOPS_API_KEY")

	fmt.Println("Starting MTTx dashboard...")
	fmt.Printf("Connecting to: %s\n", opts.BaseURL)

	if err := tui.Run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
