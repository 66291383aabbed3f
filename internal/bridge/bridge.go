package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/relay/internal/hub"
)

// Bridge relays messages from an external pub/sub channel into the hub.
// It is a single supervised loop: subscribe, consume with a bounded wait,
// and on any failure back off exponentially before resubscribing.
type Bridge struct {
	cfg    Config
	sub    Subscriber
	sink   Broadcaster
	logger *slog.Logger

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge that forwards messages from sub into sink.
func New(cfg Config, sub Subscriber, sink Broadcaster, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		cfg:    cfg,
		sub:    sub,
		sink:   sink,
		logger: logger,
	}
}

// Start launches the supervision loop.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.run()

	b.logger.Info("bridge started",
		"channel", b.cfg.Channel,
		"receive_timeout", b.cfg.ReceiveTimeout,
	)
	return nil
}

// Stop signals shutdown and waits for the loop to exit, bounded by ctx.
// The loop observes the signal within one receive interval.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bridge stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("bridge stop timed out")
		return ctx.Err()
	}
}

// State returns the current subscription state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// run is the supervision loop: connect, consume, back off, repeat.
func (b *Bridge) run() {
	defer b.wg.Done()
	defer b.setState(StateDisconnected)

	backoff := b.cfg.ReconnectBaseDelay

	for {
		if b.ctx.Err() != nil {
			return
		}

		b.setState(StateConnecting)
		if err := b.sub.Subscribe(b.ctx); err != nil {
			b.setState(StateDisconnected)
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Warn("subscribe failed",
				"channel", b.cfg.Channel,
				"error", err,
				"retry_in", backoff,
			)
			if !b.sleep(backoff) {
				return
			}
			backoff = b.nextBackoff(backoff)
			continue
		}

		b.setState(StateSubscribed)
		backoff = b.cfg.ReconnectBaseDelay
		b.logger.Info("subscribed", "channel", b.cfg.Channel)

		err := b.consume()

		// Best-effort unsubscribe; the subscription handle must never leak.
		if cerr := b.sub.Close(); cerr != nil {
			b.logger.Debug("subscription close failed", "error", cerr)
		}
		b.setState(StateDisconnected)

		if b.ctx.Err() != nil {
			return
		}

		b.logger.Warn("subscription lost",
			"channel", b.cfg.Channel,
			"error", err,
			"retry_in", backoff,
		)
		if !b.sleep(backoff) {
			return
		}
		backoff = b.nextBackoff(backoff)
	}
}

// consume receives messages until the context is cancelled (returns nil)
// or the channel fails (returns the error). A receive timeout is not a
// failure; it only gives the loop a chance to observe cancellation.
func (b *Bridge) consume() error {
	for {
		select {
		case <-b.ctx.Done():
			return nil
		default:
		}

		data, err := b.sub.Receive(b.ctx, b.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			if b.ctx.Err() != nil {
				return nil
			}
			return err
		}

		b.forward(data)
	}
}

// forward pushes one bridged message into the hub as a broadcast. JSON
// payloads pass through verbatim; anything else is wrapped as a string.
func (b *Bridge) forward(data []byte) {
	if json.Valid(data) {
		b.sink.Broadcast(json.RawMessage(data), hub.NoExclude)
		return
	}
	b.sink.Broadcast(string(data), hub.NoExclude)
}

// sleep waits for d or until shutdown; it reports whether to keep going.
func (b *Bridge) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// nextBackoff doubles the delay, capped at the configured maximum.
func (b *Bridge) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > b.cfg.ReconnectMaxDelay {
		next = b.cfg.ReconnectMaxDelay
	}
	return next
}
