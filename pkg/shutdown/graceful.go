package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Handler manages graceful shutdown of the application
type Handler struct {
	closers []closer
	mu      sync.Mutex
	once    sync.Once
	done    chan struct{}
	logger  *logger.Logger
}

func NewHandler(log *logger.Logger) *Handler {
	return &Handler{
		done:   make(chan struct{}),
		logger: log.WithComponent("shutdown"),
	}
}

// Register adds a close function. Close functions run in reverse order of
// registration.
func (h *Handler) Register(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, closer{name: name, fn: fn})
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM. The
// returned stop function releases the signal handler.
func (h *Handler) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			h.logger.Infow("Received signal, starting graceful shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// Shutdown runs every registered close function once. Errors are logged and
// returned joined.
func (h *Handler) Shutdown(ctx context.Context) error {
	var errs []error
	h.once.Do(func() {
		h.mu.Lock()
		closers := append([]closer(nil), h.closers...)
		h.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.fn(ctx); err != nil {
				h.logger.Errorw("Error during shutdown", "closer", c.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		close(h.done)
	})
	return errors.Join(errs...)
}

// Done returns a channel that's closed when shutdown is complete
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// ShutdownWithTimeout executes shutdown with a timeout
func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- h.Shutdown(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
