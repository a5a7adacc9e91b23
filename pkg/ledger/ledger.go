// Package ledger records every reconstructed volume a run writes in a SQLite
// database so the output can be audited after the run.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/paris-tomo/paris/internal/build"
	"github.com/paris-tomo/paris/pkg/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationDir = "migrations"

var (
	ErrDuplicate = errors.New("volume already recorded")
	ErrClosed    = errors.New("ledger closed")
)

var tracer = otel.Tracer("paris/pkg/ledger")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ledger."+name)
}

// Entry is one written volume.
type Entry struct {
	RunID     string
	TaskID    int
	Device    int
	Path      string
	Voxels    int
	WrittenAt time.Time
}

type config struct {
	logger         logger.Logger
	exportMetrics  bool
	connectTimeout time.Duration
}

type Option func(*config)

func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetrics registers a database stats collector for the lifetime of the ledger.
func WithMetrics(enabled bool) Option {
	return func(c *config) {
		c.exportMetrics = enabled
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		c.connectTimeout = d
	}
}

// Ledger is a SQLite backed record of written volumes.
type Ledger struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

// PrepareDSN adds journal mode, busy timeout and transaction lock defaults
// to a raw SQLite DSN unless the caller already set them.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// Open connects to the database at uri, waits until it answers and applies
// any pending schema migrations.
func Open(ctx context.Context, uri string, opts ...Option) (*Ledger, error) {
	cfg := config{
		logger:         logger.NewNoopLogger(),
		connectTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.connectTimeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	var collector prometheus.Collector
	if cfg.exportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	cfg.logger.Debug("ledger opened", zap.String("uri", uri))

	return &Ledger{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.logger,
		dbStatsCollector: collector,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, migrationDir); err != nil {
		return fmt.Errorf("failed to run ledger migrations: %w", err)
	}
	return nil
}

// Record stores e. Recording the same run and task twice fails with ErrDuplicate.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	ctx, span := startTrace(ctx, "Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", e.RunID),
		attribute.Int("task_id", e.TaskID),
	)

	if e.WrittenAt.IsZero() {
		e.WrittenAt = time.Now()
	}

	return busyRetry(func() error {
		_, err := l.stbl.
			Insert("volumes").
			Columns("run_id", "task_id", "device", "path", "voxels", "written_at").
			Values(e.RunID, e.TaskID, e.Device, e.Path, e.Voxels, e.WrittenAt.UnixMilli()).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		return nil
	})
}

// List returns the entries of a run ordered by task id.
func (l *Ledger) List(ctx context.Context, runID string) ([]Entry, error) {
	ctx, span := startTrace(ctx, "List")
	defer span.End()

	rows, err := l.stbl.
		Select("run_id", "task_id", "device", "path", "voxels", "written_at").
		From("volumes").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("task_id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			writtenAt int64
		)
		if err := rows.Scan(&e.RunID, &e.TaskID, &e.Device, &e.Path, &e.Voxels, &writtenAt); err != nil {
			return nil, HandleSQLError(err)
		}
		e.WrittenAt = time.UnixMilli(writtenAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return entries, nil
}

// Close releases the database handle and unregisters its metrics.
func (l *Ledger) Close() error {
	if l.dbStatsCollector != nil {
		prometheus.Unregister(l.dbStatsCollector)
	}
	return l.db.Close()
}

// HandleSQLError maps driver errors onto the ledger's error values.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return ErrDuplicate
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite reports SQLITE_BUSY instead of waiting for a lock held by another
// connection, so writes are retried a bounded number of times.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
