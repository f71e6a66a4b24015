// Package main is the crmorbit-core command line tool. It manages the local
// database, backups and manual QR sync without starting the desktop server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

const usage = `usage: crmorbit-core [-config file] [-env file] <command> [args]

commands:
  version                          print the version
  stats                            print store and sync statistics
  migrate status                   list migrations
  migrate up                       apply pending migrations
  migrate down <version>           roll back to version
  backup export [-dir d]           write an encrypted backup
  backup import [-mode m] <file>   restore a backup (mode: merge|replace)
  backup list [-dir d]             list backup files
  backup passphrase                store the scheduled backup passphrase
  sync qr [-peer id] [-out d]      write sync QR codes as PNG files
  sync scan <payload>              apply one scanned QR payload
  reset -yes                       delete all local data
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cli, rest, err := parseGlobal(args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprint(stderr, usage)
		return 2
	}
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		fmt.Fprint(stderr, usage)
		return 2
	}
	if err := cmd(ctx, cli, rest[1:]); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
