// Package service holds the cart and order operations. Both services share
// one per-session lock so a cart mutation and an order placement for the
// same session never interleave.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/keylock"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	// LockTimeout bounds the wait for a session's lock.
	LockTimeout time.Duration
	// MaxQuantity caps the quantity of a single line.
	MaxQuantity int
	Currency    string
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.MaxQuantity <= 0 {
		o.MaxQuantity = 99
	}
	if o.Currency == "" {
		o.Currency = "TWD"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// lockSession acquires the session scope or fails retryably.
func lockSession(ctx context.Context, locks *keylock.Locker, timeout time.Duration, sessionID string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unlock, err := locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, domain.Wrap(domain.CodeTransientStorageFailure, "session is busy, retry", err)
	}
	return unlock, nil
}

// storeError maps repository sentinels onto engine error kinds. Errors the
// repository already classified pass through.
func storeError(err error) error {
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		return domain.Wrap(domain.CodeTransientStorageFailure, "cart was modified concurrently, retry", err)
	case errors.Is(err, repository.ErrActiveSessionExists):
		return domain.Wrap(domain.CodeTransientStorageFailure, "table session was created concurrently, retry", err)
	case errors.Is(err, repository.ErrSessionExpired):
		return domain.Wrap(domain.CodeInvalidSession, "session has expired", err)
	case errors.Is(err, repository.ErrDuplicateOrder):
		return domain.Wrap(domain.CodeTransientStorageFailure, "order for this idempotency key is already being placed, retry", err)
	case errors.Is(err, repository.ErrOrderNotFound):
		return domain.Wrap(domain.CodeNotFound, "order not found", err)
	}
	return err
}

func startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, name)
	if sessionID != "" {
		span.SetAttributes(attribute.String("session.id", sessionID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.CodeOf(err)))
	}
	span.End()
}
