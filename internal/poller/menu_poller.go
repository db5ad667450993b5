package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the poller uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type MenuEvictor interface {
	Evict(ctx context.Context, ids ...int64)
}

type CacheFlusher interface {
	Flush(ctx context.Context) error
}

// MenuUpdatedEvent is published by the menu management tool whenever a
// dish, its price or its availability changes.
type MenuUpdatedEvent struct {
	MenuItemID  int64   `json:"menu_item_id,omitempty"`
	MenuItemIDs []int64 `json:"menu_item_ids,omitempty"`
	Flush       bool    `json:"flush,omitempty"`
}

// MenuPoller drops cached menu items named by menu-updated events so the
// next catalog read sees the new price.
type MenuPoller struct {
	reader MessageReader
	menu   MenuEvictor
	cache  CacheFlusher
	log    *slog.Logger
}

func NewMenuPoller(menu MenuEvictor, cache CacheFlusher, topic, groupID string, log *slog.Logger, brokers ...string) *MenuPoller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6,
	})
	return &MenuPoller{reader: reader, menu: menu, cache: cache, log: log}
}

func (p *MenuPoller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.processMessage(ctx)
	}
}

func (p *MenuPoller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Warn("error closing kafka reader", slog.Any("error", err))
	}
}

func (p *MenuPoller) processMessage(ctx context.Context) {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		p.log.ErrorContext(ctx, "error reading menu update", slog.Any("error", err))
		return
	}
	p.handle(ctx, m.Value)
}

func (p *MenuPoller) handle(ctx context.Context, value []byte) {
	var event MenuUpdatedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		p.log.WarnContext(ctx, "skipping malformed menu update", slog.Any("error", err))
		return
	}

	if event.Flush {
		if err := p.cache.Flush(ctx); err != nil {
			p.log.ErrorContext(ctx, "cache flush on menu update failed", slog.Any("error", err))
			return
		}
		p.log.InfoContext(ctx, "cache flushed on menu update")
		return
	}

	ids := event.MenuItemIDs
	if event.MenuItemID > 0 {
		ids = append(ids, event.MenuItemID)
	}
	if len(ids) == 0 {
		p.log.WarnContext(ctx, "menu update names no items")
		return
	}
	p.menu.Evict(ctx, ids...)
	p.log.DebugContext(ctx, "menu items evicted", slog.Any("menu_item_ids", ids))
}
