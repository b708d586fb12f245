package chain

import (
	"context"
	"fmt"
	"strings"
)

// WriteTransport executes state-mutating ledger calls. The console subprocess
// client is the only implementation today; the interface exists so a
// structured-RPC write path can slot in later without touching callers.
type WriteTransport interface {
	Submit(ctx context.Context, functionName string, args ...Arg) (*SubmitResult, error)
}

// SubmitResult carries the transaction identifier plus the raw console
// output, so a caller that ever needs structured return values can re-parse.
type SubmitResult struct {
	TxHash    string
	RawOutput string
}

// Arg is one console argument. String-kind args are double-quoted with
// embedded quotes escaped; literal-kind args (numbers, addresses) pass
// through unquoted.
type Arg struct {
	value  string
	quoted bool
}

func Str(s string) Arg  { return Arg{value: s, quoted: true} }
func Num(v int64) Arg   { return Arg{value: fmt.Sprintf("%d", v), quoted: false} }
func Addr(a string) Arg { return Arg{value: a, quoted: false} }
func Flag(b bool) Arg   { return Arg{value: fmt.Sprintf("%t", b), quoted: false} }

// render produces a token safe to embed in the double-quoted console command
// line. Dollar and backtick would still expand inside bash double quotes, so
// they are escaped along with backslash and quote. Bang needs nothing: the
// command runs non-interactively, and a backslash before it would survive.
func (a Arg) render() string {
	if !a.quoted {
		return a.value
	}
	escaped := strings.ReplaceAll(a.value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "$", `\$`)
	escaped = strings.ReplaceAll(escaped, "`", "\\`")
	return `"` + escaped + `"`
}
