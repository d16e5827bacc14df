package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/allegro/bigcache/v3"
)

// answerCache stores finished answers keyed by the normalized question so
// a repeated question skips the backend round trip entirely.
type answerCache interface {
	Get(question string) (string, bool)
	Set(question, answer string)
}

func newAnswerCache(cfg *Config, log *slog.Logger) (answerCache, error) {
	if !cfg.Cache.Enable {
		return dummyCache{}, nil
	}

	life := time.Duration(cfg.Cache.TTLMinutes) * time.Minute
	bc, err := bigcache.New(context.Background(), bigcache.DefaultConfig(life))
	if err != nil {
		return dummyCache{}, err
	}
	return &memoryCache{cache: bc, log: log}, nil
}

type memoryCache struct {
	cache *bigcache.BigCache
	log   *slog.Logger
}

func (c *memoryCache) Get(question string) (string, bool) {
	v, err := c.cache.Get(question)
	if err == bigcache.ErrEntryNotFound {
		return "", false
	}
	if err != nil {
		c.log.Warn("cache read failed", "err", err)
		return "", false
	}
	return string(v), true
}

func (c *memoryCache) Set(question, answer string) {
	if question == "" || answer == "" {
		return
	}
	if err := c.cache.Set(question, []byte(answer)); err != nil {
		c.log.Warn("cache write failed", "err", err)
	}
}

// dummyCache is used when caching is disabled: every lookup misses.
type dummyCache struct{}

func (dummyCache) Get(string) (string, bool) { return "", false }
func (dummyCache) Set(string, string)        {}
