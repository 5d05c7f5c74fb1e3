package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"groupseal/internal/config"
	"groupseal/internal/logging"
	"groupseal/internal/sui"
	"groupseal/internal/threshold"
	"groupseal/internal/timeauth"
)

const usageText = `groupseal - threshold encryption gated by group membership

Usage:
  groupseal [--config <path>] <command> [options]

Commands:
  keygen [--force]                      create the local wallet
  session init [--ttl <dur>] [--yes]    sign a new session key
  session status                        show the current session key
  session reset                         discard the session key
  encrypt --id <hex> [options] [file]   encrypt a file or stdin
  decrypt --id <hex> [options] [file]   decrypt hex ciphertext
  token seal --group <id> <address>     seal a token address to a group
  token open --group <id> <hex>         reveal a sealed token address
  recover <escrow-id>                   open an escrowed backup key
  escrow status                         list escrowed backup keys

Results go to stdout. Errors go to stderr and exit with status 1.`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app holds what every command needs. Tests build one directly.
type app struct {
	cfg     config.Client
	dataDir string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logger *zap.Logger
	now    func() time.Time

	// dialObjects opens the chain reader used for authorization proofs.
	dialObjects func(ctx context.Context) (sui.ObjectReader, func(), error)
	authority   timeauth.Authority
	httpClient  threshold.HTTPDoer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("groupseal", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to config.toml")
	global.Usage = func() { fmt.Fprintln(stderr, usageText) }
	if err := global.Parse(args); err != nil {
		return 1
	}

	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usageText)
		return 1
	}
	switch rest[0] {
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, usageText)
		return 0
	}

	a, err := newApp(*configPath, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.logger.Sync()
	return a.dispatch(ctx, rest)
}

func newApp(configPath string, stdin io.Reader, stdout, stderr io.Writer) (*app, error) {
	optional := configPath == ""
	if optional {
		dir, err := config.DataDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, config.FileName)
	}
	cfg, err := config.LoadClient(configPath, optional)
	if err != nil {
		return nil, err
	}
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		dataDir: dataDir,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		logger:  logger,
		now:     time.Now,
		dialObjects: func(ctx context.Context) (sui.ObjectReader, func(), error) {
			c, err := sui.DialRPC(ctx, cfg.RPCURL)
			if err != nil {
				return nil, nil, err
			}
			return c, c.Close, nil
		},
		authority: timeauth.NewDrand(cfg.DrandConfig(), nil, nil),
	}, nil
}

func (a *app) dispatch(ctx context.Context, args []string) int {
	var err error
	switch args[0] {
	case "keygen":
		err = a.keygen(args[1:])
	case "session":
		err = a.session(ctx, args[1:])
	case "encrypt":
		err = a.encrypt(ctx, args[1:])
	case "decrypt":
		err = a.decrypt(ctx, args[1:])
	case "token":
		err = a.token(ctx, args[1:])
	case "recover":
		err = a.recover(ctx, args[1:])
	case "escrow":
		err = a.escrow(ctx, args[1:])
	default:
		fmt.Fprintf(a.stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(a.stderr, usageText)
		return 1
	}

	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(a.stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

// errUsage marks a failure already reported with usage text.
var errUsage = errors.New("usage")

func (a *app) flags(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintln(a.stderr, "Usage: groupseal "+usage)
		fs.PrintDefaults()
	}
	return fs
}

func (a *app) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func (a *app) usageError(fs *flag.FlagSet, format string, args ...any) error {
	fmt.Fprintf(a.stderr, "error: "+format+"\n", args...)
	fs.Usage()
	return errUsage
}
