package database

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Aidin1998/swapflow/pkg/metrics"
)

// ReportPoolStats publishes connection pool gauges until ctx is cancelled.
func ReportPoolStats(ctx context.Context, name string, db *gorm.DB, interval time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := sqlDB.Stats()
		metrics.DBOpenConns.WithLabelValues(name).Set(float64(stats.OpenConnections))
		metrics.DBInUseConns.WithLabelValues(name).Set(float64(stats.InUse))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
