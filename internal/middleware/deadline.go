package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/cms-edge/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire middleware chain. If the deadline fires before the handler has
// written anything, a 504 is returned and later writes by the handler are
// dropped. Pass 0 to disable (handler called directly).
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &deadlineWriter{ResponseWriter: w}

			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if tw.claim() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded,
						"global request deadline exceeded")
				}
				// Wait for the handler goroutine so it does not outlive
				// the request.
				<-done
			}
		})
	}
}

// deadlineWriter serialises the handler's writes against the timeout
// response so the two never interleave.
type deadlineWriter struct {
	http.ResponseWriter

	mu       sync.Mutex
	started  bool
	timedOut bool
}

// claim marks the response as owned by the timeout path. It returns false
// when the handler already started writing.
func (dw *deadlineWriter) claim() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.started {
		return false
	}
	dw.timedOut = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return
	}
	dw.started = true
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	dw.started = true
	return dw.ResponseWriter.Write(b)
}
