package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// purgeExpiredMetrics removes metric records older than the retention window
// from all three metric tables and returns how many rows went.
func purgeExpiredMetrics(ctx context.Context, db *gorm.DB, now time.Time) int64 {
	cutoff := now.Add(-metricRetention)

	log.Info().Time("cutoff", cutoff).Msg("[Cleanup] Starting cleanup of expired metrics")

	var total int64
	for _, model := range []any{&ServerMetric{}, &SiteMetric{}, &PageSpeedMetric{}} {
		result := db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(model)
		if result.Error != nil {
			// Expiry is silent for readers; a failed pass is retried on the next run
			log.Error().Err(result.Error).Msgf("[Cleanup] Failed to clean %T", model)
			continue
		}
		total += result.RowsAffected
	}

	log.Info().Int64("deleted", total).Msg("[Cleanup] Successfully deleted expired metric records")
	return total
}
