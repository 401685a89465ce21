package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coursemart/signin/internal/config"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Postgres is the durable store for users, devices, sessions, second-factor
// enrollments and the audit trail.
type Postgres struct {
	*sql.DB
	name string
}

// NewPostgres opens the pool and fails fast when the server is unreachable
// within cfg.ConnectTimeout.
func NewPostgres(cfg config.DatabaseConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres %s@%s: %w", cfg.Name, cfg.Host, err)
	}
	configurePool(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s@%s: %w", cfg.Name, cfg.Host, err)
	}

	return &Postgres{DB: db, name: cfg.Name}, nil
}

func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	idle := cfg.MaxIdleConnections
	if idle <= 0 || idle > cfg.MaxConnections {
		idle = max(cfg.MaxConnections/4, 1)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxLifetime / 2)
}

// RegisterMetrics exposes pool statistics (open, in-use, wait counts) on reg.
func (p *Postgres) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(collectors.NewDBStatsCollector(p.DB, p.name))
}

// HealthCheck backs the readiness probe.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	if err := p.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}
