package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/dskow/cms-edge/internal/classify"
)

// Attempt records one failed attempt of a retry loop.
type Attempt struct {
	Timestamp time.Time
	Kind      classify.Kind
	Delay     time.Duration
	Err       error
}

// Error is returned by Do when the loop stops without success. It wraps the
// last attempt's error, so errors.As still finds a *classify.StatusError.
type Error struct {
	Err         error
	Kind        classify.Kind
	Attempts    int
	MaxAttempts int
	Elapsed     time.Duration
	Retryable   bool
	History     []Attempt
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error after %d/%d attempts in %s: %v",
		e.Kind, e.Attempts, e.MaxAttempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DebugInfo renders a multi-line description of the loop for logs and
// admin output.
func (e *Error) DebugInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error Kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "Attempts: %d/%d\n", e.Attempts, e.MaxAttempts)
	fmt.Fprintf(&b, "Retryable: %t\n", e.Retryable)
	fmt.Fprintf(&b, "Elapsed: %s\n", e.Elapsed)
	if code, ok := classify.StatusCode(e.Err); ok {
		fmt.Fprintf(&b, "Status Code: %d\n", code)
	}
	for i, a := range e.History {
		fmt.Fprintf(&b, "  #%d %s kind=%s delay=%s err=%v\n",
			i+1, a.Timestamp.Format(time.RFC3339Nano), a.Kind, a.Delay, a.Err)
	}
	fmt.Fprintf(&b, "Cause: %v\n", e.Err)
	return b.String()
}
