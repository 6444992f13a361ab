// Command proofrelay signs and relays proof messages, and serves the receiving
// page that verifies them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilacorp/go-proof-relay/common/canonical"
	"github.com/pilacorp/go-proof-relay/config"
)

const usage = `usage: proofrelay <command> [flags]

commands:
  sign     sign a proof file and print the relay envelope
  send     fetch a proof from the issuer (or read one) and relay it
  serve    run the receiving page: channel, verifier and HTTP endpoints
  status   print the page's verification session
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sign":
		return runSign(args[1:], stdout, stderr)
	case "send":
		return runSend(ctx, args[1:], stdout, stderr)
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "status":
		return runStatus(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n", args[0])
		fmt.Fprint(stderr, usage)
		return 2
	}
}

// newFlagSet returns a flag set with the common -config and -env flags.
func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to a YAML config file (optional)")
	envPath := fs.String("env", ".env", "path to a .env file (optional)")
	return fs, cfgPath, envPath
}

func loadConfig(cfgPath, envPath string) (*config.Config, error) {
	if err := config.LoadDotEnv(envPath); err != nil {
		return nil, err
	}
	return config.Load(cfgPath)
}

func readProofFile(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proof: %w", err)
	}
	proof, err := canonical.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proof %s: %w", path, err)
	}
	// Accept either the onchain_proof object itself or an issuer-style
	// {"onchain_proof": ...} wrapper.
	if obj, ok := proof.(map[string]interface{}); ok {
		if inner, ok := obj["onchain_proof"]; ok {
			return inner, nil
		}
	}
	return proof, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
