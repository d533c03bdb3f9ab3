package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// openDB opens the SQLite database at dbPath and runs migrations
func openDB(dbPath string) (*gorm.DB, error) {
	// Ensure the directory exists (for Docker volumes)
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("directory", dir).Msg("[DB] Could not create database directory")
		}
	}

	// WAL allows readers alongside the single writer; times are written in a
	// sortable layout so range filters compare correctly.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writes to the same row
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := db.AutoMigrate(
		&Server{}, &Site{},
		&ServerMetric{}, &SiteMetric{}, &PageSpeedMetric{},
		&ServerCost{}, &SitePricing{}, &MonthlyFinancial{}, &Invoice{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("[DB] Database initialized")
	return db, nil
}

// syncYAMLConfig synchronizes servers, sites, costs and prices from the YAML
// configuration with the database. Entries are compared by config hash; rows
// created through the API (no hash) are left alone.
func syncYAMLConfig(ctx context.Context, db *gorm.DB, cfg *Config, ledger *CostLedger, pricing *PricingEngine) {
	if len(cfg.Servers) == 0 && len(cfg.Sites) == 0 {
		log.Info().Msg("[Config] No servers or sites configured, nothing to sync")
		return
	}
	log.Info().Int("servers", len(cfg.Servers)).Int("sites", len(cfg.Sites)).
		Msg("[Config] Syncing fleet from YAML configuration")

	processedServers := make(map[string]bool)
	for _, sc := range cfg.Servers {
		if sc.ID == "" {
			log.Warn().Msg("[Config] Skipping server with missing id")
			continue
		}
		processedServers[sc.ID] = true
		hash := calculateConfigHash(sc)

		var existing Server
		err := db.WithContext(ctx).Where("server_id = ?", sc.ID).First(&existing).Error
		switch {
		case err == nil && existing.ConfigHash == hash:
			log.Debug().Str("server", sc.ID).Str("hash", hash[:8]).Msg("[Config] Server unchanged")
			continue
		case err == nil && existing.ConfigHash == "":
			// Created by an agent push or the API; only fill in costs it has never had
			log.Debug().Str("server", sc.ID).Msg("[Config] Server already exists (created via ingest/API)")
			if sc.Costs != nil {
				adoptServerCost(ctx, ledger, sc)
			}
			continue
		case err == nil:
			existing.Name = sc.Name
			existing.Host = sc.Host
			existing.ConfigHash = hash
			if err := db.WithContext(ctx).Save(&existing).Error; err != nil {
				log.Error().Err(err).Str("server", sc.ID).Msg("[Config] Failed to update server")
				continue
			}
			log.Info().Str("server", sc.ID).Msg("[Config] Updated server")
		case errors.Is(err, gorm.ErrRecordNotFound):
			server := Server{ServerID: sc.ID, Name: sc.Name, Host: sc.Host, Status: ServerStatusUnknown, ConfigHash: hash}
			if err := db.WithContext(ctx).Create(&server).Error; err != nil {
				log.Error().Err(err).Str("server", sc.ID).Msg("[Config] Failed to create server")
				continue
			}
			log.Info().Str("server", sc.ID).Str("hash", hash[:8]).Msg("[Config] Created server")
		default:
			log.Error().Err(err).Str("server", sc.ID).Msg("[Config] Failed to look up server")
			continue
		}

		if sc.Costs != nil {
			if _, err := ledger.SetServerCost(ctx, sc.ID, *sc.Costs, ""); err != nil {
				log.Error().Err(err).Str("server", sc.ID).Msg("[Config] Failed to set server cost")
			}
		}
	}

	processedSites := make(map[string]bool)
	for _, sc := range cfg.Sites {
		if sc.ID == "" || sc.Slug == "" {
			log.Warn().Msg("[Config] Skipping site with missing id or slug")
			continue
		}
		processedSites[sc.ID] = true
		hash := calculateConfigHash(sc)

		var existing Site
		err := db.WithContext(ctx).Where("site_id = ?", sc.ID).First(&existing).Error
		switch {
		case err == nil && existing.ConfigHash == hash:
			continue
		case err == nil && existing.ConfigHash == "":
			log.Debug().Str("site", sc.ID).Msg("[Config] Skipping site - already exists (created via directory/API)")
			continue
		case err == nil, errors.Is(err, gorm.ErrRecordNotFound):
			existing.SiteID = sc.ID
			existing.Slug = sc.Slug
			existing.Name = sc.Name
			existing.Domain = sc.Domain
			existing.External = sc.External
			existing.ServerID = sc.ServerID
			existing.ConfigHash = hash
			if err := db.WithContext(ctx).Save(&existing).Error; err != nil {
				log.Error().Err(err).Str("site", sc.ID).Msg("[Config] Failed to save site")
				continue
			}
			log.Info().Str("site", sc.ID).Str("hash", hash[:8]).Msg("[Config] Saved site")
		default:
			log.Error().Err(err).Str("site", sc.ID).Msg("[Config] Failed to look up site")
			continue
		}

		if sc.ActualPrice > 0 || sc.ServerID != "" {
			update := SitePricingUpdate{ServerID: &sc.ServerID}
			if sc.ActualPrice > 0 {
				update.ActualPrice = &sc.ActualPrice
			}
			if _, err := pricing.SetSitePricing(ctx, sc.ID, update); err != nil {
				log.Error().Err(err).Str("site", sc.ID).Msg("[Config] Failed to set site pricing")
			}
		}
	}

	// Remove entries that were in YAML but are no longer present.
	// Metrics stay until they expire.
	var yamlServers []Server
	db.WithContext(ctx).Where("config_hash <> ''").Find(&yamlServers)
	for _, s := range yamlServers {
		if !processedServers[s.ServerID] {
			if err := db.WithContext(ctx).Delete(&Server{}, s.ID).Error; err != nil {
				log.Error().Err(err).Str("server", s.ServerID).Msg("[Config] Failed to delete server")
				continue
			}
			log.Info().Str("server", s.ServerID).Msg("[Config] Removed server - no longer in YAML config")
		}
	}
	var yamlSites []Site
	db.WithContext(ctx).Where("config_hash <> ''").Find(&yamlSites)
	for _, s := range yamlSites {
		if !processedSites[s.SiteID] {
			if err := db.WithContext(ctx).Delete(&Site{}, s.ID).Error; err != nil {
				log.Error().Err(err).Str("site", s.SiteID).Msg("[Config] Failed to delete site")
				continue
			}
			log.Info().Str("site", s.SiteID).Msg("[Config] Removed site - no longer in YAML config")
		}
	}

	log.Info().Msg("[Config] YAML configuration synchronized")
}

// adoptServerCost applies the configured costs of sc unless the server
// already has a cost record
func adoptServerCost(ctx context.Context, ledger *CostLedger, sc ServerConfig) {
	_, err := ledger.GetServerCost(ctx, sc.ID)
	switch {
	case err == nil:
		log.Debug().Str("server", sc.ID).Msg("[Config] Keeping existing server cost")
	case errors.Is(err, ErrNotFound):
		if _, err := ledger.SetServerCost(ctx, sc.ID, *sc.Costs, ""); err != nil {
			log.Error().Err(err).Str("server", sc.ID).Msg("[Config] Failed to set server cost")
			return
		}
		log.Info().Str("server", sc.ID).Msg("[Config] Applied configured cost to existing server")
	default:
		log.Error().Err(err).Str("server", sc.ID).Msg("[Config] Failed to look up server cost")
	}
}
