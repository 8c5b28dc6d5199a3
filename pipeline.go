package proxy

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// responseChannelCapacity is the bound on a connection's response channel.
// A slow client blocks the upstream relay on send, which stops it reading
// upstream, which transitively backpressures the engine connection — the
// intended shape (spec.md §5).
const responseChannelCapacity = 1024

// handleConnection is the per-accepted-connection orchestrator (spec.md
// §4.F). It dials a fresh upstream connection, then spawns the three
// cooperating goroutines — filter, upstream relay, and client writer —
// glued by one bounded response channel. The caller must invoke this as its
// own goroutine (`go handleConnection(...)`): dialing upstream is a
// blocking suspension point of the per-connection task, not of the accept
// loop, so a slow or unresponsive upstream must never stall acceptance of
// other clients.
func handleConnection(
	parentCtx context.Context,
	admission *Admission,
	policy *Policy,
	metrics *Metrics,
	logger *zap.Logger,
	podmanPath string,
	client Stream,
) {
	metrics.ConnectionsAccepted.Inc()

	connCtx, cancel := context.WithCancel(parentCtx)

	upstream, err := ProbeAndDialUpstream(connCtx, podmanPath)
	if err != nil {
		metrics.UpstreamDialErrors.Inc()
		logger.Warn("upstream probe/dial failed", zap.Error(err))
		cancel()
		client.Close()
		admission.Release()
		return
	}

	runPipeline(connCtx, cancel, admission, policy, metrics, logger, client, upstream)
}

// runPipeline wires together an already-dialed client/upstream pair. It is
// split out from handleConnection so tests can exercise the three-task
// pipeline against in-memory streams without a real upstream socket.
func runPipeline(
	connCtx context.Context,
	cancel context.CancelFunc,
	admission *Admission,
	policy *Policy,
	metrics *Metrics,
	logger *zap.Logger,
	client Stream,
	upstream Stream,
) {
	clientRead, clientWrite := client.Split()
	upstreamRead, upstreamWrite := upstream.Split()

	// Cancellation unblocks relayTask, parked in a blocking Read on the
	// upstream socket, by closing the underlying connection; net.Conn has
	// no async-cancel primitive the way the reference runtime's tasks do,
	// so this is the idiomatic Go substitute (a context alone cannot
	// interrupt a blocking syscall). The client side is deliberately left
	// alone here: writerTask already closes it itself (defer
	// clientWrite.Close()) once it's done delivering frames, and closing it
	// concurrently from this goroutine could race a denial frame's
	// in-flight WriteAll on the same conn, truncating the canned response
	// the client is supposed to receive.
	go func() {
		<-connCtx.Done()
		upstream.Close()
	}()

	respCh := make(chan Frame, responseChannelCapacity)

	var producers sync.WaitGroup
	producers.Add(2)

	go func() {
		defer producers.Done()
		defer admission.Release()
		defer cancel()
		filterTask(connCtx, clientRead, upstreamWrite, respCh, policy, metrics, logger)
	}()

	go func() {
		defer producers.Done()
		relayTask(connCtx, upstreamRead, respCh, logger)
	}()

	go func() {
		producers.Wait()
		close(respCh)
	}()

	go func() {
		defer cancel()
		writerTask(respCh, clientWrite, logger)
	}()
}

// filterTask owns the client read half and the upstream write half. It
// reads one request at a time, decides policy, and either forwards the
// bytes upstream (continuing the loop, for pipelined requests) or enqueues
// a close-flagged canned response and exits. Per spec.md §9's Open
// Question, an Allowed request only forwards the bytes the framer already
// accumulated (headers plus any body bytes read in the same chunk); it does
// not separately drain a declared Content-Length body before looping back
// to read the next request. This is reproduced faithfully, not "fixed".
func filterTask(
	ctx context.Context,
	clientRead ReadHalf,
	upstreamWrite WriteHalf,
	respCh chan<- Frame,
	policy *Policy,
	metrics *Metrics,
	logger *zap.Logger,
) {
	for {
		buf, err := ReadRequest(ctx, clientRead)
		if err != nil {
			switch {
			case errors.Is(err, ErrNoData), errors.Is(err, ErrReadFailed),
				errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				// benign: client closed or the connection is unwinding
				return
			default:
				// ErrExceededMaxSize, or any other unexpected framer failure
				logger.Debug("bad request", zap.Error(err))
				sendFrame(ctx, respCh, closeFrame(BadRequestResponse))
				return
			}
		}

		parsed, err := ParseRequest(buf)
		if err != nil {
			logger.Debug("bad request on re-parse", zap.Error(err))
			sendFrame(ctx, respCh, closeFrame(BadRequestResponse))
			return
		}

		decision := policy.Decide(parsed)
		metrics.RecordDecision(decision)

		switch decision {
		case Allowed:
			if err := upstreamWrite.WriteAll(parsed.Raw); err != nil {
				logger.Debug("upstream write failed", zap.Error(err))
				return
			}
		case MethodNotAllowed:
			logger.Debug("method not allowed", zap.String("method", parsed.Method))
			sendFrame(ctx, respCh, closeFrame(MethodNotAllowedResponse))
			return
		case Forbidden:
			logger.Debug("forbidden", zap.String("method", parsed.Method), zap.String("path", parsed.Path))
			sendFrame(ctx, respCh, closeFrame(ForbiddenResponse))
			return
		case BadRequest:
			logger.Debug("bad request method", zap.String("method", parsed.Method))
			sendFrame(ctx, respCh, closeFrame(BadRequestResponse))
			return
		}
	}
}

// relayTask owns the upstream read half. It copies every chunk it reads
// into a fresh frame and enqueues it; it exits on EOF, read error, or a
// failed send (the writer has already gone away).
func relayTask(ctx context.Context, upstreamRead ReadHalf, respCh chan<- Frame, logger *zap.Logger) {
	buf := make([]byte, 64*1024)
	for {
		n, err := upstreamRead.Read(buf)
		if n > 0 {
			// Copy so this frame's buffer is independent of the next
			// iteration's reuse of buf — resolves spec.md §9's "response
			// cloning" Open Question in favor of the copy branch, since Go
			// channels pass the frame by value and the writer goroutine may
			// still be draining an earlier frame built from the same buf.
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !sendFrame(ctx, respCh, responseFrame(chunk)) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("upstream read failed", zap.Error(err))
			}
			return
		}
	}
}

// writerTask holds the response channel's sole consumer handle. It writes
// each frame's buffer to the client in order; a write error or a
// close-flagged frame ends the loop. Frames are consumed in send order
// (the channel is FIFO), so a close frame always arrives after any success
// frame already enqueued ahead of it.
func writerTask(respCh <-chan Frame, clientWrite WriteHalf, logger *zap.Logger) {
	defer clientWrite.Close()

	for frame := range respCh {
		if err := clientWrite.WriteAll(frame.Buffer); err != nil {
			logger.Debug("client write failed", zap.Error(err))
			return
		}
		if frame.Close {
			return
		}
	}
}

// sendFrame enqueues frame unless ctx is done first, in which case it
// reports false so the caller can stop producing instead of leaking a
// goroutine blocked on a full channel nobody will ever drain again.
func sendFrame(ctx context.Context, respCh chan<- Frame, frame Frame) bool {
	select {
	case respCh <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
