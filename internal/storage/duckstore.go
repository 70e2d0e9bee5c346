// duckstore.go - DuckDB-backed position store
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/power-topology/backend/internal/models"
)

// DuckStore keeps the latest position of every asset plus an append-only
// history of saves in a DuckDB file.
type DuckStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

var _ PositionStore = (*DuckStore)(nil)

// NewDuckStore opens (or creates) the positions database at dbPath.
func NewDuckStore(dbPath string, logger *slog.Logger) (*DuckStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "duckstore")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='256MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				logger.Error("pragma failed", "pragma", pragma, "err", err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			diagram    VARCHAR NOT NULL,
			asset_id   VARCHAR NOT NULL,
			x          DOUBLE NOT NULL,
			y          DOUBLE NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (diagram, asset_id)
		);
		CREATE TABLE IF NOT EXISTS position_history (
			diagram  VARCHAR NOT NULL,
			asset_id VARCHAR NOT NULL,
			x        DOUBLE NOT NULL,
			y        DOUBLE NOT NULL,
			saved_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("position store opened", "path", dbPath)
	return &DuckStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// SavePosition upserts the latest position and appends to the history.
func (ds *DuckStore) SavePosition(ctx context.Context, diagram string, id models.AssetID, p models.Point) error {
	now := time.Now().UTC()

	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (diagram, asset_id, x, y, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (diagram, asset_id) DO UPDATE
		SET x = excluded.x, y = excluded.y, updated_at = excluded.updated_at
	`, diagram, string(id), p.X, p.Y, now)
	if err != nil {
		return fmt.Errorf("saving position of %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO position_history (diagram, asset_id, x, y, saved_at) VALUES (?, ?, ?, ?, ?)`,
		diagram, string(id), p.X, p.Y, now)
	if err != nil {
		return fmt.Errorf("recording history of %s: %w", id, err)
	}

	return tx.Commit()
}

// LoadPositions returns every saved position of a diagram.
func (ds *DuckStore) LoadPositions(ctx context.Context, diagram string) (map[models.AssetID]models.Point, error) {
	rows, err := ds.db.QueryContext(ctx,
		`SELECT asset_id, x, y FROM positions WHERE diagram = ?`, diagram)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	defer rows.Close()

	out := make(map[models.AssetID]models.Point)
	for rows.Next() {
		var id string
		var p models.Point
		if err := rows.Scan(&id, &p.X, &p.Y); err != nil {
			return nil, err
		}
		out[models.AssetID(id)] = p
	}
	return out, rows.Err()
}

// DeletePosition forgets an asset's latest position. History is kept.
func (ds *DuckStore) DeletePosition(ctx context.Context, diagram string, id models.AssetID) error {
	_, err := ds.db.ExecContext(ctx,
		`DELETE FROM positions WHERE diagram = ? AND asset_id = ?`, diagram, string(id))
	if err != nil {
		return fmt.Errorf("deleting position of %s: %w", id, err)
	}
	return nil
}

// History returns the newest saves of one asset first.
func (ds *DuckStore) History(ctx context.Context, diagram string, id models.AssetID, limit int) ([]PositionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ds.db.QueryContext(ctx, `
		SELECT x, y, saved_at FROM position_history
		WHERE diagram = ? AND asset_id = ?
		ORDER BY saved_at DESC
		LIMIT ?
	`, diagram, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		r := PositionRecord{Diagram: diagram, ID: id}
		if err := rows.Scan(&r.Position.X, &r.Position.Y, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database. The file is kept.
func (ds *DuckStore) Close() error {
	if ds.db == nil {
		return nil
	}
	return ds.db.Close()
}
