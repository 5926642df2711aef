// Package azuresql writes prediction results to Azure SQL / SQL Server.
package azuresql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/healthy-habitat/score-regions/internal/config"
	"github.com/healthy-habitat/score-regions/internal/domain"
	_ "github.com/microsoft/go-mssqldb" // MS SQL Server driver
	"go.uber.org/zap"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 10 * time.Second
	defaultBackoffFactor  = 2.0

	defaultHealthCheckTimeout = 5 * time.Second
	defaultQueryTimeout       = 30 * time.Second
)

const insertColumns = `(id, date_of_flight, location, season, tile_name, label, probability, url, latitude, longitude, created_at)
VALUES (@id, @date_of_flight, @location, @season, @tile_name, @label, @probability, @url, @latitude, @longitude, @created_at)`

// Client inserts result rows over a database/sql pool
type Client struct {
	db           *sql.DB
	logger       *zap.Logger
	queryTimeout time.Duration
}

// HealthStatus represents the health check result for the results database
type HealthStatus struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
	Open    int           `json:"open_connections"`
	InUse   int           `json:"in_use"`
	Idle    int           `json:"idle"`
}

// NewClient connects to SQL Server, retrying transient failures with exponential backoff.
func NewClient(cfg *config.ResultsConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Host == "" || cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("results database host, user and password are required for sqlserver")
	}

	logger.Info("Initializing results database connection",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)

	connStr := cfg.SQLServerDSN()

	var (
		db  *sql.DB
		err error
	)
	backoff := defaultInitialBackoff

	for attempt := 1; attempt <= defaultMaxRetries; attempt++ {
		db, err = sql.Open("sqlserver", connStr)
		if err == nil {
			if cfg.MaxOpenConns > 0 {
				db.SetMaxOpenConns(cfg.MaxOpenConns)
			}
			if cfg.MaxIdleConns > 0 {
				db.SetMaxIdleConns(cfg.MaxIdleConns)
			}
			db.SetConnMaxLifetime(cfg.ConnMaxLifetimeDuration())

			ctx, cancel := context.WithTimeout(context.Background(), defaultHealthCheckTimeout)
			err = db.PingContext(ctx)
			cancel()
			if err == nil {
				logger.Info("Results database connection established",
					zap.Int("attempts_taken", attempt),
				)
				return NewClientWithDB(db, cfg.QueryTimeoutDuration(), logger), nil
			}
			_ = db.Close()
		}

		logger.Warn("Results database connection attempt failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", defaultMaxRetries),
		)
		if attempt < defaultMaxRetries {
			time.Sleep(backoff)
			backoff = min(time.Duration(float64(backoff)*defaultBackoffFactor), defaultMaxBackoff)
		}
	}

	return nil, fmt.Errorf("failed to connect to results database after %d attempts: %w", defaultMaxRetries, err)
}

// NewClientWithDB wraps an open pool. The driver must accept @name parameters.
func NewClientWithDB(db *sql.DB, queryTimeout time.Duration, logger *zap.Logger) *Client {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Client{db: db, logger: logger, queryTimeout: queryTimeout}
}

func (c *Client) InsertAnimalResult(ctx context.Context, rec domain.ResultRecord) error {
	return c.insert(ctx, "animal_results", rec)
}

func (c *Client) InsertHabitatResult(ctx context.Context, rec domain.ResultRecord) error {
	return c.insert(ctx, "habitat_results", rec)
}

func (c *Client) insert(ctx context.Context, table string, rec domain.ResultRecord) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// table is one of two constants above, never caller input
	query := "INSERT INTO " + table + " " + insertColumns
	_, err := c.db.ExecContext(ctx, query,
		sql.Named("id", id.String()),
		sql.Named("date_of_flight", rec.DateOfFlight),
		sql.Named("location", rec.Location),
		sql.Named("season", rec.Season),
		sql.Named("tile_name", rec.TileName),
		sql.Named("label", rec.Label),
		sql.Named("probability", rec.Probability),
		sql.Named("url", rec.URL),
		sql.Named("latitude", rec.Latitude),
		sql.Named("longitude", rec.Longitude),
		sql.Named("created_at", createdAt),
	)
	if err != nil {
		c.logger.Error("Failed to insert result",
			zap.String("table", table),
			zap.String("tile", rec.TileName),
			zap.Error(err),
		)
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Close gracefully closes the connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close results database connection: %w", err)
	}
	return nil
}

// HealthCheck pings the database and reports pool statistics
func (c *Client) HealthCheck(ctx context.Context) *HealthStatus {
	if c == nil || c.db == nil {
		return &HealthStatus{Status: "disabled"}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultHealthCheckTimeout)
		defer cancel()
	}

	start := time.Now()
	err := c.db.PingContext(ctx)
	stats := c.db.Stats()

	status := &HealthStatus{
		Status:  "healthy",
		Latency: time.Since(start),
		Open:    stats.OpenConnections,
		InUse:   stats.InUse,
		Idle:    stats.Idle,
	}
	if err != nil {
		c.logger.Warn("Results database health check failed", zap.Error(err))
		status.Status = "unhealthy"
		status.Error = err.Error()
	}
	return status
}
