package cache

import (
	"context"
	"errors"
	"strconv"
)

var ErrCacheMiss = errors.New("cache miss")

// Backend is a plain key/value store. Implementations return ErrCacheMiss
// for absent keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	// Flush removes every key this backend owns.
	Flush(ctx context.Context) error
}

type Kind string

const (
	KindCart  Kind = "cart"
	KindOrder Kind = "order"
	KindMenu  Kind = "menu"
)

// Key names one cached resource.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

func CartKey(sessionID string) Key {
	return Key{Kind: KindCart, ID: sessionID}
}

func OrderKey(orderID string) Key {
	return Key{Kind: KindOrder, ID: orderID}
}

func MenuKey(menuItemID int64) Key {
	return Key{Kind: KindMenu, ID: strconv.FormatInt(menuItemID, 10)}
}

// Versioned values record their store version in the cache entry.
type Versioned interface {
	CacheVersion() int64
}
