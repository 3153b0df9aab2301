package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/i474232898/weather-ingestion/internal/common"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// sqliteTimeLayout has a fixed width so that stored values sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements weather.Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	newID   func() string
}

var _ weather.Store = (*SQLStore)(nil)

// OpenSQL opens the database for the dialect and applies the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
		if dsn == "" {
			dsn = "weather.db"
		}
	case DialectPostgres:
		driver = "pgx"
		if dsn == "" {
			return nil, errors.New("open postgres: DATABASE_URL is required")
		}
	default:
		return nil, fmt.Errorf("unsupported store dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection: an in-memory database is private to its connection
		// and sqlite serializes writers anyway.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, dialect: dialect, newID: uuid.NewString}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying sql.DB for tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	tsType := "TIMESTAMPTZ"
	tempType := "DOUBLE PRECISION"
	if s.dialect == DialectSQLite {
		tsType = "TEXT"
		tempType = "REAL"
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS condition_types (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			location_id TEXT NOT NULL REFERENCES locations(id),
			condition_type_id TEXT NOT NULL REFERENCES condition_types(id),
			temperature_c %s NOT NULL,
			observed_at %s NOT NULL,
			UNIQUE (location_id, observed_at)
		)`, tempType, tsType),
		`CREATE INDEX IF NOT EXISTS observations_location_time_idx ON observations (location_id, observed_at DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// encodeTime converts t to the column representation. TIMESTAMPTZ keeps
// microseconds, so postgres lookups truncate to match what was stored.
func (s *SQLStore) encodeTime(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC().Truncate(time.Microsecond)
}

// isolation caps the requested level at what the driver accepts. sqlite
// transactions are serializable already.
func (s *SQLStore) isolation(iso sql.IsolationLevel) sql.IsolationLevel {
	if s.dialect == DialectSQLite {
		return sql.LevelDefault
	}
	return iso
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return common.HasAny(err.Error(), "UNIQUE constraint failed", "duplicate key value")
}

const selectObservation = `
	SELECT o.id, o.location_id, l.name, o.condition_type_id, c.name, o.temperature_c, o.observed_at
	FROM observations o
	JOIN locations l ON l.id = o.location_id
	JOIN condition_types c ON c.id = o.condition_type_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanObservation(row rowScanner) (weather.Observation, error) {
	var obs weather.Observation
	if s.dialect == DialectSQLite {
		var ts string
		if err := row.Scan(&obs.ID, &obs.LocationID, &obs.LocationName, &obs.ConditionTypeID, &obs.ConditionTypeName, &obs.TemperatureC, &ts); err != nil {
			return weather.Observation{}, err
		}
		parsed, err := time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return weather.Observation{}, fmt.Errorf("parse observed_at %q: %w", ts, err)
		}
		obs.Timestamp = parsed
		return obs, nil
	}
	if err := row.Scan(&obs.ID, &obs.LocationID, &obs.LocationName, &obs.ConditionTypeID, &obs.ConditionTypeName, &obs.TemperatureC, &obs.Timestamp); err != nil {
		return weather.Observation{}, err
	}
	obs.Timestamp = obs.Timestamp.UTC()
	return obs, nil
}

func (s *SQLStore) queryOne(ctx context.Context, q queryer, query string, args ...any) (weather.Observation, error) {
	obs, err := s.scanObservation(q.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return weather.Observation{}, ErrNotFound
	}
	if err != nil {
		return weather.Observation{}, fmt.Errorf("query observation: %w", err)
	}
	return obs, nil
}

func (s *SQLStore) queryMany(ctx context.Context, q queryer, query string, args ...any) ([]weather.Observation, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []weather.Observation
	for rows.Next() {
		obs, err := s.scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) FindByLocationAndTimestamp(ctx context.Context, locationName string, ts time.Time) (weather.Observation, error) {
	return s.queryOne(ctx, s.db, selectObservation+` WHERE l.name = ? AND o.observed_at = ?`, locationName, s.encodeTime(ts))
}

func (s *SQLStore) FindRecentByLocation(ctx context.Context, locationName string, limit int) ([]weather.Observation, error) {
	if limit <= 0 {
		return s.queryMany(ctx, s.db, selectObservation+` WHERE l.name = ? ORDER BY o.observed_at DESC`, locationName)
	}
	return s.queryMany(ctx, s.db, selectObservation+` WHERE l.name = ? ORDER BY o.observed_at DESC LIMIT ?`, locationName, limit)
}

func (s *SQLStore) InsertObservation(ctx context.Context, obs weather.Observation) (weather.Observation, error) {
	if obs.ID == "" {
		obs.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO observations (id, location_id, condition_type_id, temperature_c, observed_at)
		VALUES (?, ?, ?, ?, ?)`),
		obs.ID, obs.LocationID, obs.ConditionTypeID, obs.TemperatureC, s.encodeTime(obs.Timestamp))
	if isUniqueViolation(err) {
		return weather.Observation{}, fmt.Errorf("insert observation: %w", ErrConflict)
	}
	if err != nil {
		return weather.Observation{}, fmt.Errorf("insert observation: %w", err)
	}
	return s.GetObservation(ctx, obs.ID)
}

// InTx runs fn inside a database transaction and commits when fn succeeds.
func (s *SQLStore) InTx(ctx context.Context, iso sql.IsolationLevel, fn func(weather.DimensionTx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.isolation(iso)})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{store: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) GetObservation(ctx context.Context, id string) (weather.Observation, error) {
	return s.queryOne(ctx, s.db, selectObservation+` WHERE o.id = ?`, id)
}

func (s *SQLStore) LatestByLocation(ctx context.Context, locationName string) (weather.Observation, error) {
	return s.queryOne(ctx, s.db, selectObservation+` WHERE l.name = ? ORDER BY o.observed_at DESC LIMIT 1`, locationName)
}

func (s *SQLStore) UpdateObservation(ctx context.Context, obs weather.Observation) (result weather.Observation, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return weather.Observation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := s.queryOne(ctx, tx, selectObservation+` WHERE o.id = ?`, obs.ID)
	if err != nil {
		return weather.Observation{}, err
	}
	condID := current.ConditionTypeID
	if obs.ConditionTypeName != "" && obs.ConditionTypeName != current.ConditionTypeName {
		cond, err := (&sqlTx{store: s, tx: tx}).FindOrCreateConditionType(ctx, obs.ConditionTypeName)
		if err != nil {
			return weather.Observation{}, err
		}
		condID = cond.ID
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE observations SET temperature_c = ?, condition_type_id = ? WHERE id = ?`),
		obs.TemperatureC, condID, obs.ID); err != nil {
		return weather.Observation{}, fmt.Errorf("update observation: %w", err)
	}
	updated, err := s.queryOne(ctx, tx, selectObservation+` WHERE o.id = ?`, obs.ID)
	if err != nil {
		return weather.Observation{}, err
	}
	if err := tx.Commit(); err != nil {
		return weather.Observation{}, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

func (s *SQLStore) DeleteObservation(ctx context.Context, id string) (weather.Observation, error) {
	obs, err := s.GetObservation(ctx, id)
	if err != nil {
		return weather.Observation{}, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM observations WHERE id = ?`), id)
	if err != nil {
		return weather.Observation{}, fmt.Errorf("delete observation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return weather.Observation{}, ErrNotFound
	}
	return obs, nil
}

// DeleteLocation removes the location and its observations in one transaction.
func (s *SQLStore) DeleteLocation(ctx context.Context, name string) (removed []weather.Observation, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var locationID string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM locations WHERE name = ?`), name).Scan(&locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select location: %w", err)
	}

	removed, err = s.queryMany(ctx, tx, selectObservation+` WHERE o.location_id = ?`, locationID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM observations WHERE location_id = ?`), locationID); err != nil {
		return nil, fmt.Errorf("delete observations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM locations WHERE id = ?`), locationID); err != nil {
		return nil, fmt.Errorf("delete location: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return removed, nil
}

func (s *SQLStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

func (t *sqlTx) FindOrCreateLocation(ctx context.Context, name string) (weather.Location, error) {
	id, err := t.findOrCreate(ctx, "locations", name)
	if err != nil {
		return weather.Location{}, fmt.Errorf("resolve location %q: %w", name, err)
	}
	return weather.Location{ID: id, Name: name}, nil
}

func (t *sqlTx) FindOrCreateConditionType(ctx context.Context, name string) (weather.ConditionType, error) {
	id, err := t.findOrCreate(ctx, "condition_types", name)
	if err != nil {
		return weather.ConditionType{}, fmt.Errorf("resolve condition type %q: %w", name, err)
	}
	return weather.ConditionType{ID: id, Name: name}, nil
}

// findOrCreate inserts the name unless it exists and returns the row id. Both
// dialects support ON CONFLICT DO NOTHING, so a concurrent insert of the same
// name resolves to the winner's row.
func (t *sqlTx) findOrCreate(ctx context.Context, table, name string) (string, error) {
	s := t.store
	insert := fmt.Sprintf(`INSERT INTO %s (id, name) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`, table)
	if _, err := t.tx.ExecContext(ctx, s.rebind(insert), s.newID(), name); err != nil {
		return "", err
	}
	var id string
	query := fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, table)
	if err := t.tx.QueryRowContext(ctx, s.rebind(query), name).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}
