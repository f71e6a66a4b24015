package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/kimhsiao/crmorbit/backend/internal/app"
	"github.com/kimhsiao/crmorbit/backend/internal/backup"
	"github.com/kimhsiao/crmorbit/backend/internal/config"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

// PassphraseEnv supplies the backup passphrase without a prompt.
const PassphraseEnv = config.EnvPrefix + "PASSPHRASE"

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

type cli struct {
	configPath string
	envFile    string
	stdin      *bufio.Reader
	stdinFile  *os.File
	stdout     io.Writer
	stderr     io.Writer
}

type command func(ctx context.Context, c *cli, args []string) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"version": cmdVersion,
		"stats":   cmdStats,
		"migrate": cmdMigrate,
		"backup":  cmdBackup,
		"sync":    cmdSync,
		"reset":   cmdReset,
	}
}

func parseGlobal(args []string, stdin io.Reader, stdout, stderr io.Writer) (*cli, []string, error) {
	c := &cli{stdin: bufio.NewReader(stdin), stdout: stdout, stderr: stderr}
	if f, ok := stdin.(*os.File); ok {
		c.stdinFile = f
	}
	fs := flag.NewFlagSet("crmorbit-core", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.configPath, "config", "", "YAML or JSON config file")
	fs.StringVar(&c.envFile, "env", "", ".env file with CRMORBIT_* overrides")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return c, fs.Args(), nil
}

func (c *cli) loadConfig() (*config.Config, error) {
	var envFiles []string
	if c.envFile != "" {
		envFiles = append(envFiles, c.envFile)
	}
	cfg, err := config.Load(c.configPath, envFiles...)
	if err != nil {
		return nil, err
	}
	logging.Init(c.stderr, logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// openApp opens the device without discovery; the CLI never advertises.
func (c *cli) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Sync.Discovery = false
	return app.New(ctx, cfg, app.Options{Version: Version})
}

// passphrase reads the backup passphrase from the environment, the
// terminal without echo, or one line of piped input.
func (c *cli) passphrase(prompt string) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	fmt.Fprint(c.stderr, prompt)
	if c.stdinFile != nil && term.IsTerminal(int(c.stdinFile.Fd())) {
		pw, err := readPassword(int(c.stdinFile.Fd()))
		fmt.Fprintln(c.stderr)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	line, err := c.stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func subFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func cmdVersion(_ context.Context, c *cli, _ []string) error {
	fmt.Fprintf(c.stdout, "crmorbit-core v%s\n", Version)
	return nil
}

func cmdStats(ctx context.Context, c *cli, _ []string) error {
	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	st, err := a.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, st)
}

// =====================================================
// migrate
// =====================================================

func cmdMigrate(ctx context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("migrate needs status, up or down <version>")
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	m := db.NewMigrator(database.DB, db.Migrations())

	switch args[0] {
	case "status":
		if err := m.Initialize(ctx); err != nil {
			return err
		}
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED\tROLLBACK")
		for _, s := range statuses {
			applied := "-"
			if s.Applied {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", s.Version, s.Name, applied, s.HasRollback)
		}
		return tw.Flush()
	case "up":
		if err := m.Up(ctx); err != nil {
			return err
		}
		v, err := m.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "schema at version %d\n", v)
		return nil
	case "down":
		if len(args) != 2 {
			return fmt.Errorf("migrate down needs a target version")
		}
		target, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if err := m.RollbackTo(ctx, target); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "schema at version %d\n", target)
		return nil
	}
	return fmt.Errorf("unknown migrate command %q", args[0])
}

// =====================================================
// backup
// =====================================================

func cmdBackup(ctx context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("backup needs export, import, list or passphrase")
	}
	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	switch args[0] {
	case "export":
		fs := subFlags("backup export")
		dir := fs.String("dir", a.Config.Backup.Dir, "output directory")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		pass, err := c.passphrase("Backup passphrase: ")
		if err != nil {
			return err
		}
		res, err := a.Core.ExportBackup(ctx, a.Backup, *dir, pass)
		if err != nil {
			return err
		}
		return printJSON(c.stdout, res)

	case "import":
		fs := subFlags("backup import")
		mode := fs.String("mode", string(backup.ModeMerge), "merge or replace")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("backup import needs one file")
		}
		m, err := backup.ParseImportMode(*mode)
		if err != nil {
			return err
		}
		pass, err := c.passphrase("Backup passphrase: ")
		if err != nil {
			return err
		}
		res, err := a.Core.ImportBackup(ctx, a.Backup, fs.Arg(0), pass, m)
		if err != nil {
			return err
		}
		return printJSON(c.stdout, res)

	case "list":
		fs := subFlags("backup list")
		dir := fs.String("dir", a.Config.Backup.Dir, "backup directory")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		archives, err := a.Backup.ListBackups(*dir)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSIZE\tCREATED")
		for _, ar := range archives {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", ar.Name, ar.SizeBytes, ar.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()

	case "passphrase":
		pass, err := c.passphrase("New scheduled backup passphrase: ")
		if err != nil {
			return err
		}
		if err := a.SetBackupPassphrase(pass); err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, "passphrase stored")
		return nil
	}
	return fmt.Errorf("unknown backup command %q", args[0])
}

// =====================================================
// sync
// =====================================================

func cmdSync(ctx context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("sync needs qr or scan")
	}
	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	switch args[0] {
	case "qr":
		fs := subFlags("sync qr")
		peer := fs.String("peer", "", "send only changes this peer has not acknowledged")
		out := fs.String("out", ".", "directory for PNG files")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		bundle, err := a.Sync.GenerateSyncQRCode(ctx, *peer, true)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(*out, 0o755); err != nil {
			return err
		}
		for i, png := range bundle.Images {
			name := filepath.Join(*out, fmt.Sprintf("crmorbit-sync-%s-%02d.png", bundle.BundleID, i+1))
			if err := os.WriteFile(name, png, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", name, err)
			}
			fmt.Fprintln(c.stdout, name)
		}
		return nil

	case "scan":
		payloads := args[1:]
		if len(payloads) == 0 {
			// one payload per line
			for {
				line, err := c.stdin.ReadString('\n')
				if s := strings.TrimSpace(line); s != "" {
					payloads = append(payloads, s)
				}
				if err != nil {
					break
				}
			}
		}
		if len(payloads) == 0 {
			return fmt.Errorf("sync scan needs at least one payload")
		}
		var res *syncpkg.QRApplyResult
		for _, p := range payloads {
			if res, err = a.QR.ApplyManualSyncQR(ctx, p); err != nil {
				return err
			}
		}
		if res.Status == syncpkg.QRStatusApplied {
			res.Doc = nil
		}
		return printJSON(c.stdout, res)
	}
	return fmt.Errorf("unknown sync command %q", args[0])
}

func cmdReset(ctx context.Context, c *cli, args []string) error {
	fs := subFlags("reset")
	yes := fs.Bool("yes", false, "confirm deleting all local data")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("reset deletes every event, snapshot and checkpoint; pass -yes to confirm")
	}
	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Core.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "local data deleted")
	return nil
}
