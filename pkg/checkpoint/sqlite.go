package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"octdenoise/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqliteTimeLayout = "2006-01-02 15:04:05"

	kindParam     = "param"
	kindOptimizer = "optimizer"
)

// SQLiteStore keeps checkpoints in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// it to the latest schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared between calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure checkpoint database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SchemaVersion reports the applied migration version
func (s *SQLiteStore) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *SQLiteStore) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared connection
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func (s *SQLiteStore) RegisterRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, scheme, model) VALUES (?, ?, ?, ?)`,
		run.ID, run.Name, run.Scheme, run.Model)
	if err != nil {
		return fmt.Errorf("failed to register run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LatestRun(ctx context.Context, name, tag string) (Run, error) {
	var run Run
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT r.run_id, r.name, r.scheme, r.model, CAST(r.created_at AS TEXT) FROM runs r
		 WHERE r.name = ? AND EXISTS (
		   SELECT 1 FROM checkpoints c WHERE c.run_id = r.run_id AND c.tag = ?)
		 ORDER BY r.rowid DESC LIMIT 1`, name, tag).
		Scan(&run.ID, &run.Name, &run.Scheme, &run.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to look up run %q: %w", name, err)
	}
	if t, err := time.Parse(sqliteTimeLayout, created); err == nil {
		run.CreatedAt = t
	}
	return run, nil
}

func (s *SQLiteStore) Save(ctx context.Context, c *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, tag, epoch, train_loss, val_loss, best_val_loss, learning_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, tag) DO UPDATE SET
			epoch = excluded.epoch,
			train_loss = excluded.train_loss,
			val_loss = excluded.val_loss,
			best_val_loss = excluded.best_val_loss,
			learning_rate = excluded.learning_rate,
			saved_at = CURRENT_TIMESTAMP`,
		c.RunID, c.Tag, c.Epoch, c.TrainLoss, c.ValLoss, c.BestValLoss, c.LearningRate)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", c.RunID, c.Tag, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_tensors WHERE run_id = ? AND tag = ?`, c.RunID, c.Tag); err != nil {
		return fmt.Errorf("failed to clear checkpoint tensors: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO checkpoint_tensors (run_id, tag, kind, name, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare tensor insert: %w", err)
	}
	defer stmt.Close()

	for kind, state := range map[string]map[string][]float64{
		kindParam:     c.Params,
		kindOptimizer: c.OptimizerState,
	} {
		for name, values := range state {
			if _, err := stmt.ExecContext(ctx, c.RunID, c.Tag, kind, name, encodeFloats(values)); err != nil {
				return fmt.Errorf("failed to save %s %q: %w", kind, name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID, tag string) (*Checkpoint, error) {
	c := &Checkpoint{
		RunID:          runID,
		Tag:            tag,
		Params:         make(map[string][]float64),
		OptimizerState: make(map[string][]float64),
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT epoch, train_loss, val_loss, best_val_loss, learning_rate
		FROM checkpoints WHERE run_id = ? AND tag = ?`, runID, tag).
		Scan(&c.Epoch, &c.TrainLoss, &c.ValLoss, &c.BestValLoss, &c.LearningRate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s/%s: %w", runID, tag, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, name, data FROM checkpoint_tensors WHERE run_id = ? AND tag = ?`, runID, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint tensors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, name string
		var data []byte
		if err := rows.Scan(&kind, &name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint tensor: %w", err)
		}
		values, err := decodeFloats(data)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		switch kind {
		case kindParam:
			c.Params[name] = values
		case kindOptimizer:
			c.OptimizerState[name] = values
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint tensors: %w", err)
	}
	return c, nil
}

// encodeFloats packs values as little-endian float64s
func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("blob of %d bytes is not a float64 array", len(buf))
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values, nil
}
