package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/repository"
)

// Source records where a session id came from.
type Source string

const (
	SourceHeader Source = "header"
	SourcePath   Source = "path"
	SourceBody   Source = "body"
	SourceTable  Source = "table"
	SourceMinted Source = "minted"
)

// Store finds the active session of a table.
type Store interface {
	ActiveSessionForTable(ctx context.Context, tableContext string) (domain.Session, error)
}

// Request is the already-selected session input of one operation.
type Request struct {
	SessionID    string
	TableContext string
	Source       Source
}

// Identity is the resolved session. A minted identity has nothing stored
// until its first mutation.
type Identity struct {
	SessionID    string
	Format       domain.SessionFormat
	Source       Source
	TableContext string
	Minted       bool
}

func (i Identity) Legacy() bool {
	return i.Format == domain.FormatLegacy
}

type Resolver struct {
	store Store
	now   func() time.Time
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Resolve maps a request onto a session. A supplied id only has to
// classify; whether it is stored or expired is decided by the cart read.
// Without an id the table's active session is reused, or a fresh id is
// minted.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Identity, error) {
	id := strings.TrimSpace(req.SessionID)
	table := strings.TrimSpace(req.TableContext)

	if id != "" || (req.Source != "" && req.Source != SourceMinted && req.Source != SourceTable) {
		format, err := Classify(id)
		if err != nil {
			return Identity{}, err
		}
		return Identity{SessionID: id, Format: format, Source: req.Source, TableContext: table}, nil
	}

	if table != "" {
		s, err := r.store.ActiveSessionForTable(ctx, table)
		switch {
		case err == nil:
			return Identity{
				SessionID:    s.ID,
				Format:       s.Format,
				Source:       SourceTable,
				TableContext: s.TableContext,
			}, nil
		case !errors.Is(err, repository.ErrSessionNotFound):
			return Identity{}, fmt.Errorf("active session for table: %w", err)
		}
	}

	return Identity{
		SessionID:    MintAt(table, r.now()),
		Format:       domain.FormatCurrent,
		Source:       SourceMinted,
		TableContext: table,
		Minted:       true,
	}, nil
}
