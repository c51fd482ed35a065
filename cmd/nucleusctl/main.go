// nucleusctl is the operator CLI for a Nucleus server.
//
//	nucleusctl run --api-key nk_... "list idle compute instances"
//	nucleusctl get --api-key nk_... <run-id>
//	nucleusctl slack --secret $SLACK_SIGNING_SECRET --tenant acme "mode:deep why is api-gw slow"
//	nucleusctl sign --secret s --timestamp 1700000000 < body
//	nucleusctl token --private-key data/jwt_private.pem --public-key data/jwt_public.pem --tenant acme alice
//	nucleusctl apikey --database-url postgres://... --tenant acme --label ci
//	nucleusctl keygen --dir data
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

type command struct {
	summary string
	run     func(args []string) error
}

var commands = map[string]command{
	"run":    {"create a run and optionally wait for it", runCreate},
	"get":    {"print a run", runGet},
	"slack":  {"send a signed slash command", runSlack},
	"sign":   {"print a webhook signature for stdin", runSign},
	"token":  {"issue a session token", runToken},
	"apikey": {"create a managed API key in Postgres", runAPIKey},
	"keygen": {"write an Ed25519 key pair for session tokens", runKeygen},
}

var order = []string{"run", "get", "slack", "sign", "token", "apikey", "keygen"}

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage()
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(args[1:])
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nucleusctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	for _, name := range order {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", name, commands[name].summary)
	}
}

// newFlagSet returns a flag set with the flags every server command shares.
func newFlagSet(name string, conn *connection) *pflag.FlagSet {
	fs := pflag.NewFlagSet("nucleusctl "+name, pflag.ContinueOnError)
	if conn != nil {
		fs.StringVar(&conn.baseURL, "url", envOr("NUCLEUS_URL", "http://localhost:8080"), "server base URL")
		fs.StringVar(&conn.apiKey, "api-key", os.Getenv("NUCLEUS_API_KEY"), "API key (nk_... or the process-wide key)")
		fs.StringVar(&conn.token, "token", os.Getenv("NUCLEUS_TOKEN"), "session token; used when --api-key is empty")
	}
	return fs
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
