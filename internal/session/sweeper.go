package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fjod/tableorder/internal/cache"
)

type Expirer interface {
	ExpireIdleSessions(ctx context.Context, before time.Time) ([]string, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, keys ...cache.Key)
}

// Sweeper periodically expires sessions that have been idle longer than
// the configured timeout and evicts their cached carts.
type Sweeper struct {
	store    Expirer
	cache    Invalidator
	idle     time.Duration
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewSweeper(store Expirer, c Invalidator, idle, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		cache:    c,
		idle:     idle,
		interval: interval,
		log:      logger.With(slog.String("component", "session_sweeper")),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.log.Error("session sweep failed", slog.Any("error", err))
			}
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one expiry pass and returns the expired session ids.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	ids, err := s.store.ExpireIdleSessions(ctx, s.now().Add(-s.idle))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]cache.Key, len(ids))
	for i, id := range ids {
		keys[i] = cache.CartKey(id)
	}
	s.cache.Invalidate(ctx, keys...)
	s.log.Info("expired idle sessions", slog.Int("count", len(ids)))
	return ids, nil
}

// Close stops the background loop and waits for it to finish.
func (s *Sweeper) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}
