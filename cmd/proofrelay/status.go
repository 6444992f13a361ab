package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/pilacorp/go-proof-relay/pageserver"
)

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var pageURL string
	fs.StringVar(&pageURL, "page", "http://localhost:8080", "page server URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client, err := pageserver.NewClient(pageURL)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	view, err := client.Session(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if err := printJSON(stdout, view); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}
