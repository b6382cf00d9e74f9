package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"market-intel-backend/internal/logging"
)

// LastPriceStore is a Redis-backed store of the latest observed price
// per symbol. The outcome tracker consults it when the in-memory cache
// is stale, before paying for a provider round trip. Redis being down
// degrades to a miss; a failure counter opens a circuit after repeated
// errors so every lookup does not block on a dead connection.
type LastPriceStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

type storedPrice struct {
	Price float64 `json:"price"`
	Ts    int64   `json:"ts"` // unix milliseconds
}

// LastPriceStoreConfig holds Redis connection settings.
type LastPriceStoreConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// NewLastPriceStore connects to Redis. A failed initial ping returns
// the store in degraded mode rather than an error; the pipeline runs
// without it.
func NewLastPriceStore(cfg LastPriceStoreConfig, log *logging.Logger) *LastPriceStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	s := &LastPriceStore{
		client:        client,
		ttl:           ttl,
		log:           log.WithComponent("price-store"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn("redis unavailable, price store starts degraded", "error", err)
		return s
	}
	s.healthy = true
	s.lastCheck = time.Now()
	return s
}

// Healthy reports whether Redis is currently usable.
func (s *LastPriceStore) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *LastPriceStore) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.log.Warn("price store circuit open", "failures", s.failureCount)
		s.healthy = false
	}
}

func (s *LastPriceStore) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.log.Info("price store recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth re-pings in the background once the check interval passed.
func (s *LastPriceStore) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()
	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		} else {
			s.mu.Lock()
			s.lastCheck = time.Now()
			s.mu.Unlock()
		}
	}()
}

func priceKey(symbol string) string {
	return "price:latest:" + symbol
}

// Set records the latest price for symbol.
func (s *LastPriceStore) Set(ctx context.Context, symbol string, price float64, ts time.Time) error {
	s.checkHealth()
	if !s.Healthy() {
		return fmt.Errorf("price store unavailable")
	}

	data, err := json.Marshal(storedPrice{Price: price, Ts: ts.UnixMilli()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, priceKey(symbol), data, s.ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Get returns the stored price and its timestamp. A missing key or an
// unhealthy store reads as a miss.
func (s *LastPriceStore) Get(ctx context.Context, symbol string) (float64, time.Time, bool) {
	s.checkHealth()
	if !s.Healthy() {
		return 0, time.Time{}, false
	}

	data, err := s.client.Get(ctx, priceKey(symbol)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.recordFailure()
		}
		return 0, time.Time{}, false
	}

	var sp storedPrice
	if err := json.Unmarshal(data, &sp); err != nil {
		return 0, time.Time{}, false
	}
	s.recordSuccess()
	return sp.Price, time.UnixMilli(sp.Ts), true
}

// Close closes the Redis connection.
func (s *LastPriceStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
