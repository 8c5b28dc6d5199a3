package proxy

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Options configures a single invocation of Run. UseTCP selects the
// transport: when true the TCP fields are used, otherwise the Unix fields.
// The CLI subcommand that built Options sets it.
type Options struct {
	PodmanPath string
	ConfigPath string

	// Unix transport
	UnixSocketPath string
	ReplaceSocket  bool

	// TCP transport
	TCPAddr string
	TCPPort uint16

	UseTCP bool

	MetricsAddr string

	Logger *zap.Logger
}

// Run loads the policy, opens the chosen listener, and enters the accept
// loop. It blocks until the loop ends — cleanly (ctx canceled) or fatally
// (an unrecoverable accept error) — matching spec.md §6's 0/non-zero exit
// taxonomy: a nil return means clean shutdown, a non-nil return should
// cause the caller to exit non-zero.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy, err := LoadPolicy(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("proxy: loading policy: %w", err)
	}

	var listener Listener
	if opts.UseTCP {
		listener, err = OpenTCPListener(opts.TCPAddr, opts.TCPPort)
	} else {
		listener, err = OpenUnixListener(opts.UnixSocketPath, opts.ReplaceSocket)
	}
	if err != nil {
		return fmt.Errorf("proxy: opening listener: %w", err)
	}
	defer listener.Close()

	metrics := NewMetrics()
	admission := NewAdmission(MaxConcurrentConnections)

	if opts.MetricsAddr != "" {
		go func() {
			if err := metrics.ServeLoopback(ctx, opts.MetricsAddr, logger); err != nil {
				logger.Warn("metrics listener exited", zap.Error(err))
			}
		}()
	}

	logger.Info("listening", zap.String("addr", listener.Addr().String()))

	return acceptLoop(ctx, listener, admission, policy, metrics, logger, opts.PodmanPath)
}

// acceptLoop accepts connections forever, dispatching each to its own
// pipeline, until ctx is done or the listener reports a fatal error.
// Upstream-socket reachability is re-probed per connection inside
// handleConnection, never here — spec.md §4.H is explicit that the
// reference does not probe at startup.
func acceptLoop(
	ctx context.Context,
	listener Listener,
	admission *Admission,
	policy *Policy,
	metrics *Metrics,
	logger *zap.Logger,
	podmanPath string,
) error {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("accept failed", zap.Error(err))
			return fmt.Errorf("proxy: accept loop: %w", err)
		}

		if err := admission.Acquire(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("admission semaphore closed", zap.Error(err))
			return fmt.Errorf("proxy: admission: %w", err)
		}

		go handleConnection(ctx, admission, policy, metrics, logger, podmanPath, conn)
	}
}
