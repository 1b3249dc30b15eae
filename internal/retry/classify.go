package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stakelab/exitflow/internal/rpc"
)

// Kind classifies a failed call so callers can pick a recovery strategy by
// type match instead of substring search at every call site.
type Kind string

const (
	// KindTransient covers connection-level failures worth an immediate
	// retry: timeouts, resets, transient DNS trouble.
	KindTransient Kind = "transient"
	// KindOverloaded covers provider throttling and gateway overload;
	// retried with backoff, honoring any suggested delay.
	KindOverloaded Kind = "overloaded"
	// KindTooLarge means the provider rejected the query for size or range;
	// never retried as-is, the caller must shrink the request.
	KindTooLarge Kind = "too_large"
	// KindMalformed means the response could not be interpreted. Fatal.
	KindMalformed Kind = "malformed"
	// KindInvalidInput is a caller error detected before or by the provider.
	KindInvalidInput Kind = "invalid_input"
	// KindTerminal is everything else: business-logic errors, unknown
	// failures. Fatal by default.
	KindTerminal Kind = "terminal"
)

// Decision is the outcome of classifying one error.
type Decision struct {
	Kind   Kind
	Reason string
}

func (d Decision) Retryable() bool {
	return d.Kind == KindTransient || d.Kind == KindOverloaded
}

type classifiedError struct {
	err    error
	kind   Kind
	reason string
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Mark wraps err with an explicit classification that overrides inference.
func Mark(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, kind: kind, reason: "explicit_" + string(kind)}
}

// Classify maps an error onto a Kind. Typed transport errors are matched
// first; message-token tables only catch free-form provider text that the
// typed path cannot express.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Kind: KindTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Kind: marked.kind, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Kind: KindTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Kind: KindTransient, Reason: "context_deadline_exceeded"}
	}

	var httpErr *rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusTooManyRequests:
			return Decision{Kind: KindOverloaded, Reason: "http_429"}
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return Decision{Kind: KindOverloaded, Reason: "http_5xx_gateway"}
		case http.StatusRequestEntityTooLarge:
			return Decision{Kind: KindTooLarge, Reason: "http_413"}
		}
		if httpErr.Status >= 500 {
			return Decision{Kind: KindOverloaded, Reason: "http_5xx"}
		}
		return Decision{Kind: KindTerminal, Reason: "http_status"}
	}

	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPCError(rpcErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Kind: KindTransient, Reason: "net_timeout"}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, tooLargeTokens):
		return Decision{Kind: KindTooLarge, Reason: "message_too_large"}
	case containsAny(lower, malformedTokens):
		return Decision{Kind: KindMalformed, Reason: "message_malformed"}
	case containsAny(lower, overloadedTokens):
		return Decision{Kind: KindOverloaded, Reason: "message_overloaded"}
	case containsAny(lower, transientTokens):
		return Decision{Kind: KindTransient, Reason: "message_transient"}
	}

	return Decision{Kind: KindTerminal, Reason: "unknown_terminal_default"}
}

func classifyRPCError(e *rpc.RPCError) Decision {
	lower := strings.ToLower(e.Message)
	if containsAny(lower, tooLargeTokens) {
		return Decision{Kind: KindTooLarge, Reason: "jsonrpc_too_large"}
	}
	switch e.Code {
	case -32602, -32600:
		return Decision{Kind: KindInvalidInput, Reason: "jsonrpc_invalid_params"}
	case -32700:
		return Decision{Kind: KindMalformed, Reason: "jsonrpc_parse_error"}
	}
	if containsAny(lower, overloadedTokens) {
		return Decision{Kind: KindOverloaded, Reason: "jsonrpc_overloaded"}
	}
	if containsAny(lower, transientTokens) {
		return Decision{Kind: KindTransient, Reason: "jsonrpc_transient"}
	}
	// Providers report throttling and internal trouble in the -32000..-32099
	// server range; treat it as overload unless the message said otherwise.
	if e.Code <= -32000 && e.Code >= -32099 {
		return Decision{Kind: KindOverloaded, Reason: "jsonrpc_server_range"}
	}
	return Decision{Kind: KindTerminal, Reason: "jsonrpc_terminal"}
}

// RetryAfter extracts a provider-suggested delay from the error chain.
func RetryAfter(err error) (time.Duration, bool) {
	var httpErr *rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter, true
	}
	return 0, false
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"server closed idle connection",
	"eof",
}

var overloadedTokens = []string{
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"bad gateway",
	"gateway timeout",
	"internal error",
	"service unavailable",
	"capacity",
}

var tooLargeTokens = []string{
	"too many results",
	"response size exceeded",
	"block range too wide",
	"query returned more than",
	"range is too large",
	"exceeds the range limit",
	"log response size",
}

var malformedTokens = []string{
	"unmarshal response",
	"invalid json",
	"unexpected end of json",
}
