package config

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock returns nil when REDIS_ADDRESS is not configured.
// Callers treat redis locks as best-effort.
func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry connects and sets the global Redis client + lock client.
// Call this from main() AFTER the HTTP server is listening.
func ConnectRedisWithRetry(ctx context.Context) error {
	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDRESS"))
	if redisAddr == "" {
		log.Printf("REDIS_ADDRESS not set; worker cycle lease disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
		PoolSize: 10,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, redisAddr, err, next)
		}),
	)
	if err != nil {
		_ = client.Close()
		return err
	}

	rdb = client
	locker = redislock.New(rdb)
	log.Printf("connected to redis (attempt=%d addr=%s)", attempt, redisAddr)
	return nil
}
