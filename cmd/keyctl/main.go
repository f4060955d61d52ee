// keyctl administers a keychain snapshot store offline: it loads the
// registry, applies one mutation through the registry API and persists the
// result. It talks to the same stores as the server, so it can seed a store
// before the first deploy or repair one while the server is down.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/spf13/pflag"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

var commands = []command{
	{"add", "register a key: add --type hmac|public --key <material> [--perm p]...", runAdd},
	{"remove", "unregister a key: remove <fingerprint>", runRemove},
	{"grant", "grant permissions: grant <fingerprint> <perm>...", runGrant},
	{"revoke", "revoke permissions: revoke <fingerprint> <perm>...", runRevoke},
	{"list", "list registered keys", runList},
	{"fingerprint", "print the fingerprint of a key: fingerprint --type hmac|public --key <material>", runFingerprint},
	{"token", "mint an hmac token: token --secret <secret> --id <id> [--ttl 1h]", runToken},
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(out)
		if len(args) == 0 {
			return errors.New("missing command")
		}
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], out)
		}
	}
	usage(out)
	return errors.Errorf("unknown command %q", args[0])
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: keyctl <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Every command that touches the store accepts --driver, --path,")
	fmt.Fprintln(out, "--age-identity, --database-url, --redis-addr and --redis-key.")
}
