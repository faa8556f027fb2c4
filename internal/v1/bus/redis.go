// Package bus wraps the optional Redis backend. It mirrors the presence
// online-set, backs the rate limiter store, and answers readiness probes.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// execute runs op through the circuit breaker and degrades gracefully when
// the breaker is open: the caller sees nil and the operation is dropped.
func (s *Service) execute(what string, op func() (interface{}, error)) error {
	_, err := s.cb.Execute(op)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open: dropping operation", "op", what)
			return nil
		}
		slog.Error("Redis operation failed", "op", what, "error", err)
		return err
	}
	return nil
}

// SetAdd adds a value to a Redis set. Used to mirror the in-process presence
// registry so that read-only surfaces can answer "who is online" cheaply.
func (s *Service) SetAdd(ctx context.Context, key string, value string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.execute("SADD", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, value).Err()
	})
}

// SetRem removes a value from a Redis set.
func (s *Service) SetRem(ctx context.Context, key string, value string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.execute("SREM", func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, value).Err()
	})
}

// SetMembers returns all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open: returning empty set", "key", key)
			return nil, nil
		}
		return nil, err
	}

	members, _ := res.([]string)
	return members, nil
}

// Ping checks Redis connectivity using the PING command.
// Used by health checks to verify Redis is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
