package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limit caps requests per caller over a sliding token-bucket window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Storage is the token bucket backend. The Redis implementation makes the
// limit hold across replicas; the in-memory one is per process.
type Storage interface {
	// Allow consumes one token for key, reporting whether the request may
	// proceed.
	Allow(ctx context.Context, key string, l Limit) (bool, error)
}

// MemoryStorage implements Storage with in-process token buckets.
type MemoryStorage struct {
	mu          sync.Mutex
	buckets     map[string]*tokenBucket
	cleanup     *time.Ticker
	stopCleanup chan struct{}
}

// NewMemoryStorage creates an in-memory rate limiter storage. It includes
// a background cleanup goroutine to remove unused buckets.
func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{
		buckets:     make(map[string]*tokenBucket),
		cleanup:     time.NewTicker(5 * time.Minute),
		stopCleanup: make(chan struct{}),
	}

	go s.cleanupUnusedBuckets()

	return s
}

// Stop stops the background cleanup goroutine. Call this when shutting down.
func (s *MemoryStorage) Stop() {
	s.cleanup.Stop()
	close(s.stopCleanup)
}

func (s *MemoryStorage) Allow(_ context.Context, key string, l Limit) (bool, error) {
	s.mu.Lock()
	bucket, exists := s.buckets[key]
	if !exists {
		bucket = newTokenBucket(float64(l.Requests), l.Window)
		s.buckets[key] = bucket
	}
	s.mu.Unlock()

	return bucket.consume(1), nil
}

func (s *MemoryStorage) cleanupUnusedBuckets() {
	for {
		select {
		case <-s.cleanup.C:
			s.mu.Lock()
			now := time.Now()
			for key, bucket := range s.buckets {
				bucket.mu.Lock()
				// Remove buckets that haven't been used in 2x their window duration
				if now.Sub(bucket.lastRefill) > bucket.windowDuration*2 {
					delete(s.buckets, key)
				}
				bucket.mu.Unlock()
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// tokenBucket is a refilling bucket guarded by its own mutex.
type tokenBucket struct {
	mu             sync.Mutex
	tokens         float64
	lastRefill     time.Time
	capacity       float64
	refillRate     float64
	windowDuration time.Duration
}

func newTokenBucket(capacity float64, window time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens:         capacity,
		lastRefill:     time.Now(),
		capacity:       capacity,
		refillRate:     capacity / window.Seconds(),
		windowDuration: window,
	}
}

func (b *tokenBucket) consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}
