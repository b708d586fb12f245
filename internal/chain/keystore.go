package chain

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harvestmark/agritrace-backend/internal/logger"
)

// Corruption signatures the console emits when its signing key cannot be
// loaded. Matching is case-insensitive against both stdout and stderr.
var corruptionSignatures = []string{
	"failed to load the account",
	"encoded key spec not recognized",
	"unknown object in getinstance",
	"error info",
}

// Keystore watches the health of the signing-key files the console depends
// on. Repair is a last resort: backup first, then discard, then provision a
// fresh account and re-validate. EnsureHealthy is idempotent when the
// keystore is already healthy.
type Keystore struct {
	mu          sync.Mutex
	log         *logger.Logger
	runner      ReceiptFallback
	keystoreDir string
}

func NewKeystore(log *logger.Logger, runner ReceiptFallback, cfg *Config) *Keystore {
	return &Keystore{
		log:         log.With("service", "Keystore"),
		runner:      runner,
		keystoreDir: cfg.KeystoreDir,
	}
}

// EnsureHealthy verifies the signing key loads, repairing it if not. It
// returns the account identifier in use afterwards. The whole check-repair
// sequence runs under one lock: a caller that queued behind a repair probes
// the already-repaired keystore and returns without touching it.
func (k *Keystore) EnsureHealthy(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	account, err := k.check(ctx)
	if err == nil {
		return account, nil
	}
	corruption, ok := err.(*CredentialCorruption)
	if !ok {
		return "", err
	}
	k.log.Warn("Signing key corrupt, attempting repair", "signature", corruption.Signature)

	account, err = k.repair(ctx)
	if err != nil {
		k.log.Error("Keystore repair failed", "error", err)
		return "", err
	}
	k.log.Info("Keystore repaired", "account", account)
	return account, nil
}

func (k *Keystore) check(ctx context.Context) (string, error) {
	pems, err := filepath.Glob(filepath.Join(k.keystoreDir, "*.pem"))
	if err != nil || len(pems) == 0 {
		return "", &CredentialCorruption{Signature: "no account files"}
	}

	out, err := k.runner.RunRaw(ctx, "getAccount")
	if err != nil {
		return "", &CredentialCorruption{Signature: fmt.Sprintf("account probe failed: %v", err)}
	}
	lowered := strings.ToLower(out)
	for _, sig := range corruptionSignatures {
		if strings.Contains(lowered, sig) {
			return "", &CredentialCorruption{Signature: sig}
		}
	}

	name := filepath.Base(pems[0])
	return strings.TrimSuffix(name, filepath.Ext(name)), nil
}

func (k *Keystore) repair(ctx context.Context) (string, error) {
	if err := k.backup(); err != nil {
		return "", &RepairFailed{Reason: "backup", Err: err}
	}

	pems, _ := filepath.Glob(filepath.Join(k.keystoreDir, "*.pem"))
	for _, path := range pems {
		if err := os.Remove(path); err != nil {
			return "", &RepairFailed{Reason: fmt.Sprintf("removing %s", filepath.Base(path)), Err: err}
		}
		k.log.Info("Removed corrupt key file", "path", path)
	}

	out, err := k.runner.RunRaw(ctx, "newAccount")
	if err != nil {
		return "", &RepairFailed{Reason: "newAccount", Err: err}
	}
	address := extractNewAccount(out)
	if address == "" {
		return "", &RepairFailed{Reason: "newAccount output carried no address"}
	}

	if _, err := k.check(ctx); err != nil {
		return "", &RepairFailed{Reason: "replacement key failed validation", Err: err}
	}
	return address, nil
}

// backup copies the whole key directory to a timestamped sibling before
// anything is deleted.
func (k *Keystore) backup() error {
	if _, err := os.Stat(k.keystoreDir); err != nil {
		return nil
	}
	backupDir := fmt.Sprintf("%s.backup.%d", strings.TrimRight(k.keystoreDir, "/"), time.Now().Unix())
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return err
	}
	entries, err := os.ReadDir(k.keystoreDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(k.keystoreDir, entry.Name()), filepath.Join(backupDir, entry.Name())); err != nil {
			return err
		}
	}
	k.log.Info("Backed up keystore", "backup_dir", backupDir)
	return nil
}

func extractNewAccount(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "newAccount:") {
			return strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		}
	}
	return ""
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
