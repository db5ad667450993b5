package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		id      string
		want    domain.SessionFormat
		invalid bool
	}{
		{id: "session-T12-1700000000000-abc123", want: domain.FormatCurrent},
		{id: "session-table_7-a-1700000000000-AbC123xyz789012", want: domain.FormatCurrent},
		{id: "  session-T1-1700000000000-abcdef  ", want: domain.FormatCurrent},
		{id: "session-T1-170000000000-abcdef", want: domain.FormatLegacy},        // 12-digit timestamp
		{id: "session-T1-1700000000000-abcde", want: domain.FormatLegacy},        // random part too short
		{id: "session-T1-1700000000000-abcdef0123456789", want: domain.FormatLegacy}, // random part too long
		{id: "session--1700000000000-abcdef", want: domain.FormatLegacy},         // empty context
		{id: "cart_12345", want: domain.FormatLegacy},
		{id: "5f2b6c1e-8a8e-4d8f-9d5e-0c7e4f0b1a22", want: domain.FormatLegacy},
		{id: "", invalid: true},
		{id: "   ", invalid: true},
		{id: "-leading-dash", invalid: true},
		{id: "has space", invalid: true},
		{id: "semi;colon", invalid: true},
		{id: strings.Repeat("a", 129), invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := Classify(tt.id)
			if tt.invalid {
				assert.ErrorIs(t, err, domain.ErrInvalidSession)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMint_ProducesCurrentFormat(t *testing.T) {
	for _, table := range []string{"T12", "", "桌 5", "a/b?c", strings.Repeat("x", 80)} {
		id := Mint(table)
		format, err := Classify(id)
		require.NoError(t, err, id)
		assert.Equal(t, domain.FormatCurrent, format, id)
	}

	at := time.UnixMilli(1700000000123)
	id := MintAt("T-9", at)
	assert.True(t, strings.HasPrefix(id, "session-T-9-1700000000123-"), id)
	assert.Len(t, strings.TrimPrefix(id, "session-T-9-1700000000123-"), randomLen)
	assert.True(t, strings.HasPrefix(Mint(""), "session-anon-"))
	assert.NotEqual(t, Mint("T1"), Mint("T1"))
}

// mockStore is an in-memory session store.
type mockStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	err      error
	expired  []string
}

func newMockStore(sessions ...domain.Session) *mockStore {
	m := &mockStore{sessions: make(map[string]domain.Session)}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
}

func (m *mockStore) ActiveSessionForTable(_ context.Context, table string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return domain.Session{}, m.err
	}
	for _, s := range m.sessions {
		if s.TableContext == table && s.Active() {
			return s, nil
		}
	}
	return domain.Session{}, repository.ErrSessionNotFound
}

func (m *mockStore) ExpireIdleSessions(_ context.Context, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var ids []string
	for id, s := range m.sessions {
		if s.Active() && s.LastActiveAt.Before(before) {
			s.Status = domain.SessionExpired
			m.sessions[id] = s
			ids = append(ids, id)
		}
	}
	m.expired = append(m.expired, ids...)
	return ids, nil
}

func TestResolve_SuppliedCurrentID(t *testing.T) {
	id := "session-T1-1700000000000-abcdef"
	sut := NewResolver(newMockStore())

	got, err := sut.Resolve(context.Background(), Request{SessionID: " " + id, Source: SourceHeader, TableContext: "T1"})
	require.NoError(t, err)
	assert.Equal(t, id, got.SessionID)
	assert.Equal(t, domain.FormatCurrent, got.Format)
	assert.Equal(t, SourceHeader, got.Source)
	assert.Equal(t, "T1", got.TableContext)
	assert.False(t, got.Minted)
}

func TestResolve_SuppliedLegacyIDKeepsID(t *testing.T) {
	sut := NewResolver(newMockStore())

	got, err := sut.Resolve(context.Background(), Request{SessionID: "cart_12345", Source: SourceBody, TableContext: "T2"})
	require.NoError(t, err)
	assert.Equal(t, "cart_12345", got.SessionID)
	assert.True(t, got.Legacy())
	assert.Equal(t, SourceBody, got.Source)
	assert.Equal(t, "T2", got.TableContext)
}

func TestResolve_InvalidSuppliedID(t *testing.T) {
	sut := NewResolver(newMockStore())

	_, err := sut.Resolve(context.Background(), Request{SessionID: "bad id!", Source: SourceHeader})
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	// A present but blank header is a supplied empty id, not a missing one.
	_, err = sut.Resolve(context.Background(), Request{SessionID: "  ", Source: SourceHeader, TableContext: "T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
}

func TestResolve_SuppliedIDWinsOverTable(t *testing.T) {
	active := "session-T3-1700000000000-abcdef"
	sut := NewResolver(newMockStore(domain.Session{ID: active, TableContext: "T3", Status: domain.SessionActive, Format: domain.FormatCurrent}))

	got, err := sut.Resolve(context.Background(), Request{SessionID: "cart_9", Source: SourcePath, TableContext: "T3"})
	require.NoError(t, err)
	assert.Equal(t, "cart_9", got.SessionID)
}

func TestResolve_TableReusesActiveSession(t *testing.T) {
	id := "session-T3-1700000000000-abcdef"
	sut := NewResolver(newMockStore(domain.Session{ID: id, TableContext: "T3", Status: domain.SessionActive, Format: domain.FormatCurrent}))

	got, err := sut.Resolve(context.Background(), Request{TableContext: "T3"})
	require.NoError(t, err)
	assert.Equal(t, id, got.SessionID)
	assert.Equal(t, SourceTable, got.Source)
}

func TestResolve_MintsWhenNothingSupplied(t *testing.T) {
	sut := NewResolver(newMockStore())
	sut.now = func() time.Time { return time.UnixMilli(1700000000000) }

	got, err := sut.Resolve(context.Background(), Request{TableContext: "T4"})
	require.NoError(t, err)
	assert.True(t, got.Minted)
	assert.Equal(t, SourceMinted, got.Source)
	assert.Equal(t, domain.FormatCurrent, got.Format)
	assert.True(t, strings.HasPrefix(got.SessionID, "session-T4-1700000000000-"))
	assert.Equal(t, "T4", got.TableContext)
}

func TestResolve_StoreErrorSurfaced(t *testing.T) {
	store := newMockStore()
	store.err = domain.Wrap(domain.CodeTransientStorageFailure, "active session", errors.New("timeout"))
	sut := NewResolver(store)

	_, err := sut.Resolve(context.Background(), Request{TableContext: "T1"})
	assert.True(t, domain.Retryable(err))

	// Supplied ids never touch the store.
	_, err = sut.Resolve(context.Background(), Request{SessionID: "cart_1", Source: SourceBody})
	assert.NoError(t, err)
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []cache.Key
}

func (r *recordingInvalidator) Invalidate(_ context.Context, keys ...cache.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys...)
}

func TestSweeper_ExpiresIdleSessions(t *testing.T) {
	now := time.Now()
	store := newMockStore(
		domain.Session{ID: "idle", Status: domain.SessionActive, LastActiveAt: now.Add(-3 * time.Hour)},
		domain.Session{ID: "fresh", Status: domain.SessionActive, LastActiveAt: now.Add(-time.Minute)},
	)
	inv := &recordingInvalidator{}
	sut := NewSweeper(store, inv, 2*time.Hour, time.Hour, logger.Nop())

	ids, err := sut.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, ids)
	assert.Equal(t, []cache.Key{cache.CartKey("idle")}, inv.keys)

	assert.True(t, store.sessions["fresh"].Active())
}

func TestSweeper_RunsInBackground(t *testing.T) {
	store := newMockStore(domain.Session{ID: "idle", Status: domain.SessionActive, LastActiveAt: time.Now().Add(-time.Hour)})
	inv := &recordingInvalidator{}
	sut := NewSweeper(store, inv, time.Minute, 10*time.Millisecond, logger.Nop())

	sut.Start()
	require.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		return len(store.expired) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, sut.Close())
	require.NoError(t, sut.Close())
}
