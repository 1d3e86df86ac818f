package api

import (
	"context"
	"errors"
	"time"
)

var (
	errCacheDisabled = errors.New("cache disabled")
	errCacheStopped  = errors.New("cache stopped")
	errNoLoader      = errors.New("no loader")
)

// cacheRequest models a single cache lookup or population attempt.
type cacheRequest struct {
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan cacheResponse
}

type cacheResponse struct {
	data []byte
	err  error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps rendered JSON in memory. Keys embed the registry
// version, so a mutation makes old entries unreachable and they age out
// after the TTL. All state is owned by one goroutine.
type ResponseCache struct {
	ttl      time.Duration
	requests chan cacheRequest
	quit     chan struct{}
	now      func() time.Time
}

// NewResponseCache starts the caching goroutine. A non-positive ttl
// disables caching and returns nil, which callers treat as a pass-through.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	cache := &ResponseCache{
		ttl:      ttl,
		requests: make(chan cacheRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go cache.loop()
	return cache
}

// Close stops the cache goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns cached bytes for key or runs loader to produce them. The
// returned slice is a private copy.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return nil, errCacheDisabled
	}
	req := cacheRequest{
		ctx:    ctx,
		key:    key,
		loader: loader,
		reply:  make(chan cacheResponse, 1),
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case resp := <-req.reply:
		if resp.err != nil || resp.data == nil {
			return nil, resp.err
		}
		return append([]byte(nil), resp.data...), nil
	}
}

// GetOrLoad is Get with a fallback to loader when the cache is disabled or
// stopped.
func (c *ResponseCache) GetOrLoad(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	data, err := c.Get(ctx, key, loader)
	if errors.Is(err, errCacheDisabled) || errors.Is(err, errCacheStopped) {
		return loader(ctx)
	}
	return data, err
}

func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			now := c.now()
			if entry, ok := store[req.key]; ok && now.Before(entry.expires) {
				req.reply <- cacheResponse{data: entry.data}
				continue
			}
			if req.loader == nil {
				req.reply <- cacheResponse{err: errNoLoader}
				continue
			}
			// a miss is the only time entries are added, so sweep here
			for k, e := range store {
				if !now.Before(e.expires) {
					delete(store, k)
				}
			}
			data, err := req.loader(req.ctx)
			if err == nil && data != nil {
				store[req.key] = cacheEntry{data: append([]byte(nil), data...), expires: now.Add(c.ttl)}
			}
			req.reply <- cacheResponse{data: data, err: err}
		}
	}
}
