// Command flushcache deletes every cached cart, order and menu entry under
// the configured namespace. Run it after a repair script edits the store
// directly.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/config"
	"github.com/fjod/tableorder/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for the flush")
	namespace := flag.String("namespace", "", "cache namespace, defaults to CACHE_NAMESPACE")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *namespace != "" {
		cfg.CacheNamespace = *namespace
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	layer := cache.NewLayer(cache.NewRedisCache(client, cfg.CacheNamespace, cfg.CacheTTL), cache.Options{
		Timeout: *timeout,
		Logger:  logger.New(logger.Options{Level: cfg.LogLevel, Format: "text", Output: os.Stderr}),
	})
	if err := layer.Flush(ctx); err != nil {
		log.Fatalf("flush %q: %v", cfg.CacheNamespace, err)
	}
	log.Printf("flushed cache namespace %q", cfg.CacheNamespace)
}
