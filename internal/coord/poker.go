package coord

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"lifelog/api/internal/engine"
	"lifelog/api/internal/logger"
)

// Subscription delivers the versions a dataset was poked with. Pokes carry
// no data and are coalesced: a slow reader sees only the latest.
type Subscription struct {
	C     <-chan engine.Version
	close func() error
}

func (s *Subscription) Close() error { return s.close() }

// Broker fans pokes out to subscribers of a dataset.
type Broker interface {
	engine.Notifier
	Subscribe(ctx context.Context, ds engine.DatasetID) (*Subscription, error)
}

// offer replaces a pending poke rather than blocking the publisher.
func offer(ch chan engine.Version, v engine.Version) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// RedisPoker publishes pokes on one channel per dataset.
type RedisPoker struct {
	client *redis.Client
	prefix string
}

var _ Broker = (*RedisPoker)(nil)

func NewRedisPoker(client *redis.Client) *RedisPoker {
	return &RedisPoker{client: client, prefix: "sync:poke:"}
}

func (p *RedisPoker) channel(ds engine.DatasetID) string {
	return p.prefix + ds.Subject + "/" + string(ds.Kind)
}

// Poke is best effort: a lost poke only delays the next pull.
func (p *RedisPoker) Poke(ctx context.Context, ds engine.DatasetID, v engine.Version) {
	payload := strconv.FormatUint(uint64(v), 10)
	if err := p.client.Publish(ctx, p.channel(ds), payload).Err(); err != nil {
		logger.From(ctx).Warn("publish poke failed", logger.Subject(ds.Subject), logger.Err(err))
	}
}

func (p *RedisPoker) Subscribe(ctx context.Context, ds engine.DatasetID) (*Subscription, error) {
	ps := p.client.Subscribe(ctx, p.channel(ds))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ds, err)
	}

	out := make(chan engine.Version, 1)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			v, err := strconv.ParseUint(msg.Payload, 10, 64)
			if err != nil {
				continue
			}
			offer(out, engine.Version(v))
		}
	}()
	return &Subscription{C: out, close: ps.Close}, nil
}

// Hub is the single-instance Broker used when Redis is not configured.
type Hub struct {
	mu   sync.Mutex
	subs map[engine.DatasetID]map[chan engine.Version]struct{}
}

var _ Broker = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[engine.DatasetID]map[chan engine.Version]struct{})}
}

func (h *Hub) Poke(_ context.Context, ds engine.DatasetID, v engine.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ds] {
		offer(ch, v)
	}
}

func (h *Hub) Subscribe(_ context.Context, ds engine.DatasetID) (*Subscription, error) {
	ch := make(chan engine.Version, 1)
	h.mu.Lock()
	if h.subs[ds] == nil {
		h.subs[ds] = make(map[chan engine.Version]struct{})
	}
	h.subs[ds][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return &Subscription{C: ch, close: func() error {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[ds], ch)
			if len(h.subs[ds]) == 0 {
				delete(h.subs, ds)
			}
			close(ch)
		})
		return nil
	}}, nil
}
