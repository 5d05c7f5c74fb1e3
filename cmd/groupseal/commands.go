package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"groupseal/internal/approve"
	"groupseal/internal/escrow"
	"groupseal/internal/identity"
	"groupseal/internal/sealerr"
	"groupseal/internal/sessionkey"
	"groupseal/internal/sui"
	"groupseal/internal/threshold"
	"groupseal/internal/workflow"
)

const (
	walletFile = "wallet.key"
	escrowDir  = "escrow"
)

func (a *app) walletPath() string  { return filepath.Join(a.dataDir, walletFile) }
func (a *app) sessionPath() string { return filepath.Join(a.dataDir, sessionkey.FileName) }

func (a *app) escrowStore() *escrow.Store {
	return escrow.NewStore(filepath.Join(a.dataDir, escrowDir), a.authority,
		escrow.WithClock(a.now), escrow.WithLogger(a.logger))
}

func (a *app) keygen(args []string) error {
	fs := a.flags("keygen", "keygen [--force]")
	force := fs.Bool("force", false, "replace an existing wallet")
	if err := a.parse(fs, args); err != nil {
		return err
	}

	path := a.walletPath()
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("wallet already exists at %s (use --force to replace)", path)
	}

	kp, err := sui.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Seed())+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write wallet: %w", err)
	}
	fmt.Fprintln(a.stdout, kp.Address())
	return nil
}

func (a *app) loadWallet() (*sui.KeyPair, error) {
	data, err := os.ReadFile(a.walletPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: run 'groupseal keygen' first", sealerr.ErrWalletUnavailable)
		}
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt wallet file: %v", sealerr.ErrWalletUnavailable, err)
	}
	return sui.KeyPairFromSeed(seed)
}

func (a *app) session(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("session requires a subcommand: init, status or reset")
	}
	switch args[0] {
	case "init":
		return a.sessionInit(ctx, args[1:])
	case "status":
		return a.sessionStatus()
	case "reset":
		return sessionkey.Remove(a.sessionPath())
	default:
		return fmt.Errorf("unknown session subcommand: %s", args[0])
	}
}

func (a *app) sessionInit(ctx context.Context, args []string) error {
	fs := a.flags("session init", "session init [--ttl <duration>] [--yes]")
	ttl := fs.Duration("ttl", a.cfg.SessionTTL.Duration, "session key lifetime, whole minutes between 1m and 30m")
	yes := fs.Bool("yes", false, "sign without prompting")
	if err := a.parse(fs, args); err != nil {
		return err
	}

	kp, err := a.loadWallet()
	if err != nil {
		return err
	}
	var confirm sessionkey.ConfirmFunc
	if !*yes {
		confirm = a.confirm
	}
	store := sessionkey.NewStore(sessionkey.NewKeyWallet(kp, confirm),
		sessionkey.WithClock(a.now), sessionkey.WithLogger(a.logger))

	key, err := store.Initialize(ctx, kp.Address(), a.cfg.PackageID, *ttl)
	if err != nil {
		return err
	}
	if err := sessionkey.Save(a.sessionPath(), key); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "session key valid until %s\n", key.Expiry().Format(time.RFC3339))
	return nil
}

// confirm shows the personal message on stderr and reads y/N from stdin.
func (a *app) confirm(ctx context.Context, msg []byte) (bool, error) {
	fmt.Fprintf(a.stderr, "%s\n\nSign this message? [y/N] ", msg)
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (a *app) sessionStatus() error {
	key, err := sessionkey.Load(a.sessionPath(), a.now())
	switch {
	case errors.Is(err, sealerr.ErrSealNotReady):
		fmt.Fprintln(a.stdout, "status: none")
		return nil
	case errors.Is(err, sealerr.ErrSessionKeyExpired):
		fmt.Fprintln(a.stdout, "status: expired")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintln(a.stdout, "status: active")
	fmt.Fprintf(a.stdout, "owner: %s\n", key.Owner())
	fmt.Fprintf(a.stdout, "package: %s\n", key.PackageID())
	fmt.Fprintf(a.stdout, "expires: %s\n", key.Expiry().Format(time.RFC3339))
	return nil
}

// newWorkflow wires the threshold client, the saved session key and a
// chain-backed proof builder. The returned func releases the chain reader.
func (a *app) newWorkflow(ctx context.Context) (*workflow.Workflow, func(), error) {
	servers, err := a.cfg.ServerConfigs()
	if err != nil {
		return nil, nil, err
	}
	opts := []threshold.Option{
		threshold.WithTimeout(a.cfg.Timeout.Duration),
		threshold.WithKeyCache(a.cfg.KeyCache),
		threshold.WithLogger(a.logger),
		threshold.WithClock(a.now),
	}
	if a.httpClient != nil {
		opts = append(opts, threshold.WithHTTPClient(a.httpClient))
	}
	client, err := threshold.NewClient(servers, opts...)
	if err != nil {
		return nil, nil, err
	}

	key, err := sessionkey.Load(a.sessionPath(), a.now())
	if err != nil {
		return nil, nil, err
	}
	store := sessionkey.NewStore(nil, sessionkey.WithClock(a.now), sessionkey.WithLogger(a.logger))
	if err := store.Set(key); err != nil {
		return nil, nil, err
	}

	objects, release, err := a.dialObjects(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", a.cfg.RPCURL, err)
	}
	w := workflow.New(client, store, approve.NewBuilder(objects),
		workflow.WithLogger(a.logger),
		workflow.WithClock(a.now),
		workflow.WithTokenThreshold(a.cfg.Threshold))
	return w, release, nil
}

func (a *app) encrypt(ctx context.Context, args []string) error {
	fs := a.flags("encrypt", "encrypt --id <hex> [--threshold <n>] [--backup-key <file>] [--escrow-until <RFC3339>] [file]")
	idHex := fs.String("id", "", "identity bytes in hex, usually a group object id")
	t := fs.Int("threshold", a.cfg.Threshold, "key-server weight required to decrypt")
	backupPath := fs.String("backup-key", "", "write the backup key to this file")
	escrowUntil := fs.String("escrow-until", "", "escrow the backup key until this time")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if *idHex == "" {
		return a.usageError(fs, "--id is required")
	}
	id, err := identity.Parse(a.cfg.PackageID.String(), *idHex)
	if err != nil {
		return err
	}
	var unlockTime time.Time
	if *escrowUntil != "" {
		if unlockTime, err = time.Parse(time.RFC3339, *escrowUntil); err != nil {
			return fmt.Errorf("invalid --escrow-until: %w", err)
		}
	}

	plaintext, err := a.readInput(fs.Args())
	if err != nil {
		return err
	}

	w, release, err := a.newWorkflow(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := w.Encrypt(ctx, plaintext, id, *t)
	if err != nil {
		return err
	}

	if *backupPath != "" {
		if err := os.WriteFile(*backupPath, []byte(hex.EncodeToString(res.BackupKey)+"\n"), 0600); err != nil {
			return fmt.Errorf("failed to write backup key: %w", err)
		}
	}
	if !unlockTime.IsZero() {
		item, err := a.escrowStore().Deposit(ctx, escrow.Deposit{
			BackupKey:  res.BackupKey,
			Identity:   id,
			UnlockTime: unlockTime,
			Ciphertext: res.Ciphertext,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stderr, "escrowed backup key: %s\n", item.ID)
	}

	fmt.Fprintln(a.stdout, hex.EncodeToString(res.Ciphertext))
	return nil
}

func (a *app) decrypt(ctx context.Context, args []string) error {
	fs := a.flags("decrypt", "decrypt --id <hex> [--gate <object-id>] [--hex] [file]")
	idHex := fs.String("id", "", "identity bytes in hex")
	gate := fs.String("gate", "", "object checked by the access policy (default: the id)")
	asHex := fs.Bool("hex", false, "print the plaintext as hex")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if *idHex == "" {
		return a.usageError(fs, "--id is required")
	}
	id, err := identity.Parse(a.cfg.PackageID.String(), *idHex)
	if err != nil {
		return err
	}
	gating, err := gatingObject(id, *gate)
	if err != nil {
		return err
	}

	input, err := a.readInput(fs.Args())
	if err != nil {
		return err
	}

	w, release, err := a.newWorkflow(ctx)
	if err != nil {
		return err
	}
	defer release()

	plaintext, err := w.Decrypt(ctx, workflow.HexCiphertext(strings.TrimSpace(string(input))), id, gating)
	if err != nil {
		return err
	}
	if *asHex {
		fmt.Fprintln(a.stdout, hex.EncodeToString(plaintext))
		return nil
	}
	_, err = a.stdout.Write(plaintext)
	return err
}

func gatingObject(id identity.Identity, gate string) (sui.ObjectID, error) {
	if gate != "" {
		return sui.ParseAddress(gate)
	}
	obj, err := sui.AddressFromBytes(id.ID)
	if err != nil {
		return sui.ObjectID{}, fmt.Errorf("--gate is required when the id is not an object id: %w", err)
	}
	return obj, nil
}

func (a *app) token(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("token requires a subcommand: seal or open")
	}
	sub := args[0]
	if sub != "seal" && sub != "open" {
		return fmt.Errorf("unknown token subcommand: %s", sub)
	}

	fs := a.flags("token "+sub, "token "+sub+" --group <object-id> <value>")
	group := fs.String("group", "", "group object id")
	if err := a.parse(fs, args[1:]); err != nil {
		return err
	}
	if *group == "" || fs.NArg() != 1 {
		return a.usageError(fs, "--group and one argument are required")
	}
	groupID, err := sui.ParseAddress(*group)
	if err != nil {
		return fmt.Errorf("invalid --group: %w", err)
	}

	w, release, err := a.newWorkflow(ctx)
	if err != nil {
		return err
	}
	defer release()

	if sub == "seal" {
		sealed, err := w.EncryptTokenAddress(ctx, a.cfg.PackageID, groupID, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, sealed.Hex())
		return nil
	}

	addr, err := w.DecryptTokenAddress(ctx, workflow.HexCiphertext(fs.Arg(0)), a.cfg.PackageID, groupID)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, addr)
	return nil
}

func (a *app) recover(ctx context.Context, args []string) error {
	fs := a.flags("recover", "recover [--key-only] <escrow-id>")
	keyOnly := fs.Bool("key-only", false, "print the backup key instead of the plaintext")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return a.usageError(fs, "expected exactly one escrow id")
	}

	store := a.escrowStore()
	key, item, err := store.Recover(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *keyOnly || !item.HasCiphertext {
		fmt.Fprintln(a.stdout, hex.EncodeToString(key))
		return nil
	}

	ciphertext, err := store.Ciphertext(item.ID)
	if err != nil {
		return err
	}
	plaintext, err := threshold.DecryptWithBackupKey(ciphertext, key)
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(plaintext)
	return err
}

func (a *app) escrow(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "status" {
		return fmt.Errorf("escrow requires the status subcommand")
	}
	res, err := a.escrowStore().Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(a.stdout, escrow.FormatStatus(res.Entries))

	for _, verr := range res.ValidationErrors {
		fmt.Fprintf(a.stderr, "warning: %v\n", verr)
	}
	if res.CheckError != nil {
		return fmt.Errorf("failed to check unlock status: %w", res.CheckError)
	}
	if len(res.ValidationErrors) > 0 {
		return fmt.Errorf("%d escrow item(s) failed validation", len(res.ValidationErrors))
	}
	return nil
}

// readInput reads the named file, or stdin when no file is given.
func (a *app) readInput(args []string) ([]byte, error) {
	switch len(args) {
	case 0:
		return io.ReadAll(a.stdin)
	case 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("expected at most one input file, got %d", len(args))
	}
}
