package chain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harvestmark/agritrace-backend/internal/logger"
)

// ConsoleClient is the write gateway: it drives the ledger's interactive
// command-line client as a subprocess and scrapes its text output for the
// transaction hash. Invocations are serialized by a mutex because the
// console's signing-key files are a process-wide resource and the
// cleanup-then-invoke sequence must not race.
type ConsoleClient struct {
	log             *logger.Logger
	consolePath     string
	contractName    string
	contractAddress string
	keystoreDir     string
	timeout         time.Duration

	mu sync.Mutex
}

func NewConsoleClient(log *logger.Logger, cfg *Config) *ConsoleClient {
	return &ConsoleClient{
		log:             log.With("service", "ConsoleClient"),
		consolePath:     cfg.ConsolePath,
		contractName:    cfg.ContractName,
		contractAddress: cfg.ContractAddress,
		keystoreDir:     cfg.KeystoreDir,
		timeout:         cfg.ConsoleTimeout(),
	}
}

// Submit runs `console.sh call <Contract> <address> <fn> <args...>` and
// parses the output. Absence of both success markers is a failure even when
// the process exits zero; malformed output never panics, it resolves to a
// ParseFailure.
func (c *ConsoleClient) Submit(ctx context.Context, functionName string, args ...Arg) (*SubmitResult, error) {
	rendered := make([]string, 0, len(args))
	for _, a := range args {
		rendered = append(rendered, a.render())
	}
	command := fmt.Sprintf("call %s %s %s %s", c.contractName, c.contractAddress, functionName, strings.Join(rendered, " "))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupPlaceholderKeys()

	stdout, err := c.run(ctx, command)
	if err != nil {
		return nil, err
	}

	parsed := parseConsoleOutput(stdout)
	if !parsed.success {
		c.log.Warn("Console output carried no success marker", "function", functionName, "output", stdout)
		return nil, &ParseFailure{Output: stdout}
	}
	return &SubmitResult{TxHash: parsed.txHash, RawOutput: stdout}, nil
}

// RunRaw executes an arbitrary console subcommand (receipt fallback, account
// probes) under the same serialization as Submit.
func (c *ConsoleClient) RunRaw(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(ctx, command)
}

func (c *ConsoleClient) run(ctx context.Context, command string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	shellCmd := fmt.Sprintf("cd %s && ./console.sh %s", c.consolePath, command)
	cmd := exec.CommandContext(runCtx, "bash", "-c", shellCmd)
	cmd.Env = append(os.Environ(), "NO_PROXY=*", "no_proxy=*")

	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", &ToolInvocationError{Command: command, Err: fmt.Errorf("timed out after %s", c.timeout)}
	}
	if err != nil {
		// The console exits non-zero for contract-level failures too; keep
		// the output so the parser can still find a success marker.
		if len(out) == 0 {
			return "", &ToolInvocationError{Command: command, Err: err}
		}
	}
	return string(out), nil
}

// cleanupPlaceholderKeys deletes the zero-address key files the console's own
// transient accounts leave behind; they are unloadable and break every later
// invocation. Defensive cleanup only, the keystore owns real repair.
func (c *ConsoleClient) cleanupPlaceholderKeys() {
	matches, err := filepath.Glob(filepath.Join(c.keystoreDir, "*.pem"))
	if err != nil {
		return
	}
	for _, path := range matches {
		name := filepath.Base(path)
		if strings.HasPrefix(name, "0x000000000000000000000000") {
			if err := os.Remove(path); err != nil {
				c.log.Warn("Failed to remove placeholder key file", "path", path, "error", err)
				continue
			}
			c.log.Info("Removed placeholder key file", "path", path)
		}
	}
}

type consoleResult struct {
	success      bool
	txHash       string
	returnValues string
	blockNumber  *int64
}

// parseConsoleOutput scans line by line against the console's small fixed
// vocabulary. Everything unknown is ignored.
func parseConsoleOutput(output string) consoleResult {
	var result consoleResult
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "transaction hash:"):
			result.txHash = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			result.success = true
		case strings.HasPrefix(line, "Return code: 0"):
			result.success = true
		case strings.HasPrefix(line, "Return values:"):
			result.returnValues = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.Contains(strings.ToLower(line), "blocknumber"):
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if n, ok := parseQuantityString(strings.Trim(strings.TrimSpace(parts[1]), `",`)); ok {
					result.blockNumber = &n
				}
			}
		}
	}
	return result
}

// parseReceiptText extracts a Receipt from the console's
// `getTransactionReceipt <hash>` output, which arrives as JSON-ish or
// key=value lines depending on console version.
func parseReceiptText(output string) (*Receipt, bool) {
	receipt := &Receipt{}
	found := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		var sep string
		switch {
		case strings.Contains(line, "="):
			sep = "="
		case strings.Contains(line, ":"):
			sep = ":"
		default:
			continue
		}
		parts := strings.SplitN(line, sep, 2)
		key := strings.Trim(strings.TrimSpace(parts[0]), `"' `)
		value := strings.Trim(strings.TrimSpace(parts[1]), `"', `)
		switch strings.ToLower(key) {
		case "status":
			if n, ok := parseQuantityString(value); ok {
				receipt.Status = &n
				found = true
			}
		case "blocknumber", "block_number":
			if n, ok := parseQuantityString(value); ok {
				receipt.BlockNumber = &n
				found = true
			}
		case "transactionhash", "transaction_hash", "hash":
			if strings.HasPrefix(value, "0x") {
				receipt.TransactionHash = value
				found = true
			}
		}
	}
	if !found {
		return nil, false
	}
	return receipt, true
}
