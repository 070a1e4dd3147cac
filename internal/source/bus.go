package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"vehicle-telemetry-server/internal/parser"
	"vehicle-telemetry-server/internal/pipeline"
)

// BusConfig configures the pub/sub subscriber.
type BusConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// BusSource subscribes to one pub/sub channel carrying positional-delimited
// telemetry payloads. The client reconnects on its own; malformed payloads
// are logged and dropped without touching pipeline state.
type BusSource struct {
	cfg    BusConfig
	parser *parser.Parser
	pipe   *pipeline.Pipeline
	log    *slog.Logger

	mu        sync.Mutex
	client    *redis.Client
	sub       *redis.PubSub
	cancel    context.CancelFunc
	connected atomic.Bool
}

// NewBusSource creates the subscriber adapter.
func NewBusSource(cfg BusConfig, p *parser.Parser, pipe *pipeline.Pipeline, log *slog.Logger) *BusSource {
	return &BusSource{cfg: cfg, parser: p, pipe: pipe, log: log}
}

func (b *BusSource) Name() string { return Bus }

// Start connects to the broker and begins consuming. The receive loop runs
// until Stop; transient broker failures surface as reconnects inside the
// client, not as Start errors.
func (b *BusSource) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Addr,
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	sub := client.Subscribe(runCtx, b.cfg.Channel)

	b.client = client
	b.sub = sub
	b.cancel = cancel

	go b.receive(runCtx, sub)

	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}
	b.connected.Store(true)
	b.log.Info("subscribed to telemetry channel", "addr", b.cfg.Addr, "channel", b.cfg.Channel)
	return nil
}

func (b *BusSource) receive(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.connected.Store(false)
				return
			}
			b.connected.Store(true)
			rec, err := b.parser.ParseBusMessage(msg.Payload)
			if err != nil {
				b.log.Warn("dropping bus payload", "error", err, "payload", msg.Payload)
				continue
			}
			b.pipe.Ingest(rec)
		}
	}
}

func (b *BusSource) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return
	}
	b.cancel()
	if err := b.sub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		b.log.Warn("closing subscription", "error", err)
	}
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		b.log.Warn("closing bus client", "error", err)
	}
	b.sub = nil
	b.client = nil
	b.cancel = nil
	b.connected.Store(false)
	b.log.Info("bus source stopped")
}

func (b *BusSource) Connected() bool {
	return b.connected.Load()
}
