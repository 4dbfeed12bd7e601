package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trackkit/mixpanel/pkg/network"
	"github.com/trackkit/mixpanel/pkg/queue"
)

// Sender delivers one batch to an ingestion endpoint. Implemented by
// network.Sender.
type Sender interface {
	SendRequest(ctx context.Context, req network.Request) error
}

// Queues is the queue surface the engine drains. Implemented by
// queue.Manager.
type Queues interface {
	GetQueue(token string, stream queue.Stream) []map[string]any
	SpliceQueue(ctx context.Context, token string, stream queue.Stream, start, count int)
}

// StateSource exposes the per-token opt-out flag. Implemented by
// persistent.Persistent.
type StateSource interface {
	OptedOut(token string) bool
}

// Settings exposes the runtime configuration the engine reads each cycle.
// Implemented by config.Config.
type Settings interface {
	ServerURL() string
	FlushInterval() time.Duration
	FlushBatchSize() int
	UseIPForGeolocation() bool
}

// loopHandle identifies one cycle-loop generation. Comparing handles lets a
// loop tear down only its own registration, never a successor's.
type loopHandle struct {
	cancel context.CancelFunc
}

// Engine owns the flush scheduling for all tokens of one client.
type Engine struct {
	sender Sender
	queues Queues
	state  StateSource
	cfg    Settings
	logger *slog.Logger

	mu    sync.Mutex
	loops map[string]*loopHandle
	// drains serializes queue drains per token: the timer cycle and
	// on-demand Flush calls must never drain the same queues concurrently,
	// or overlapping splices would drop items that were never sent.
	drains map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine. All collaborators are required.
func New(sender Sender, queues Queues, state StateSource, cfg Settings, opts ...Option) *Engine {
	e := &Engine{
		sender: sender,
		queues: queues,
		state:  state,
		cfg:    cfg,
		logger: slog.Default(),
		loops:  make(map[string]*loopHandle),
		drains: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartProcessing begins the recurring flush cycle for token. A no-op when
// the token has opted out or a cycle loop is already running for it; opted
// out tokens resume when StartProcessing is called again after opting in.
func (e *Engine) StartProcessing(ctx context.Context, token string) {
	if e.state.OptedOut(token) {
		e.logger.DebugContext(ctx, "token opted out, not scheduling flush cycle",
			slog.String("token", token))
		return
	}

	e.mu.Lock()
	if _, running := e.loops[token]; running {
		e.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	handle := &loopHandle{cancel: cancel}
	e.loops[token] = handle
	e.mu.Unlock()

	go e.run(loopCtx, token, handle)
}

// StopProcessing cancels the recurring flush cycle for token. Called on
// Reset so a torn-down client does not leak a perpetual timer.
func (e *Engine) StopProcessing(token string) {
	e.mu.Lock()
	handle, ok := e.loops[token]
	if ok {
		delete(e.loops, token)
	}
	e.mu.Unlock()

	if ok {
		handle.cancel()
	}
}

// run is the self-rescheduling cycle loop: wait the flush interval, drain
// all three streams, repeat. The timer for the next cycle is armed only
// after the previous cycle completes. On exit the loop deregisters only its
// own handle; a replacement loop started after a StopProcessing keeps
// running.
func (e *Engine) run(ctx context.Context, token string, handle *loopHandle) {
	defer func() {
		handle.cancel()
		e.mu.Lock()
		if e.loops[token] == handle {
			delete(e.loops, token)
		}
		e.mu.Unlock()
	}()

	for {
		timer := time.NewTimer(e.cfg.FlushInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Re-checked each cycle; an opt-out mid-run stops the loop until a
		// new cycle is scheduled externally after opting back in.
		if e.state.OptedOut(token) {
			e.logger.DebugContext(ctx, "token opted out, stopping flush loop",
				slog.String("token", token))
			return
		}

		e.drainAll(ctx, token)
	}
}

// Flush performs one on-demand drain of all three streams, outside the
// timer cadence. A no-op for opted-out tokens.
func (e *Engine) Flush(ctx context.Context, token string) {
	if e.state.OptedOut(token) {
		e.logger.DebugContext(ctx, "token opted out, not flushing",
			slog.String("token", token))
		return
	}
	e.drainAll(ctx, token)
}

// drainAll drains the three streams in order, holding the token's drain
// lock so a timer cycle and an on-demand Flush never process the same
// queues concurrently.
func (e *Engine) drainAll(ctx context.Context, token string) {
	lock := e.drainLock(token)
	lock.Lock()
	defer lock.Unlock()

	for _, stream := range queue.Streams() {
		if ctx.Err() != nil {
			return
		}
		e.drainStream(ctx, token, stream)
	}
}

func (e *Engine) drainLock(token string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.drains[token]
	if !ok {
		lock = &sync.Mutex{}
		e.drains[token] = lock
	}
	return lock
}

// drainStream flushes one stream batch by batch until it is empty or an
// error halts it for this cycle.
func (e *Engine) drainStream(ctx context.Context, token string, stream queue.Stream) {
	for ctx.Err() == nil {
		q := e.queues.GetQueue(token, stream)
		if len(q) == 0 {
			return
		}

		batchSize := e.cfg.FlushBatchSize()
		if batchSize > len(q) {
			batchSize = len(q)
		}
		batch := q[:batchSize]

		err := e.sender.SendRequest(ctx, network.Request{
			Token:               token,
			Endpoint:            stream.Endpoint(),
			Data:                batch,
			ServerURL:           e.cfg.ServerURL(),
			UseIPForGeolocation: e.cfg.UseIPForGeolocation(),
		})
		switch {
		case err == nil:
			e.queues.SpliceQueue(ctx, token, stream, 0, len(batch))

		case network.IsPermanent(err):
			// One poisoned record caused the rejection; drop only the head
			// item and retry the now-shorter batch.
			e.logger.ErrorContext(ctx, "batch rejected, dropping head item",
				slog.String("token", token),
				slog.String("stream", string(stream)),
				slog.Any("error", err))
			e.queues.SpliceQueue(ctx, token, stream, 0, 1)

		default:
			// Transient failure survived all retries; leave the queue
			// intact for the next cycle.
			e.logger.ErrorContext(ctx, "stream flush halted for this cycle",
				slog.String("token", token),
				slog.String("stream", string(stream)),
				slog.Any("error", err))
			return
		}
	}
}
