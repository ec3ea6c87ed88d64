package health

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Aidin1998/swapflow/internal/queue"
)

// Database pings the pool behind db
func Database(db *gorm.DB) CheckFunc {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// Redis sends PING
func Redis(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Queue reads the job counts
func Queue(q queue.Queue) CheckFunc {
	return func(ctx context.Context) error {
		_, err := q.Counts(ctx)
		return err
	}
}
