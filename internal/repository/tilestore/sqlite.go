package tilestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps tiles in the MBTiles layout. Rows are stored in TMS
// order, flipped from the XYZ scheme used everywhere else.
type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSQLiteStore(path string, l logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		logger: l,
	}

	err = s.runMigrations()
	if err != nil {
		db.Close()
		return nil, err
	}

	l.Info("sqlite tile store initialized", "path", path)

	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	goose.SetBaseFS(migrations)

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	err = goose.Up(s.db, "migrations")
	if err != nil {
		return err
	}

	return nil
}

var _ TileStore = (*SQLiteStore)(nil)
var _ MetadataWriter = (*SQLiteStore)(nil)

func tmsRow(k TileKey) int {
	return (1 << uint(k.Z)) - 1 - k.Y
}

func (s *SQLiteStore) Get(ctx context.Context, k TileKey) ([]byte, bool, error) {
	s.logger.Debug("sqlite store get", "z", k.Z, "x", k.X, "y", k.Y)

	query := `SELECT tile_data
	FROM tiles
	WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`

	var tileData []byte
	err := s.db.QueryRowContext(ctx, query, k.Z, k.X, tmsRow(k)).Scan(&tileData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		s.logger.Error("sqlite store get failed", "z", k.Z, "x", k.X, "y", k.Y, "error", err)
		return nil, false, err
	}

	return tileData, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, k TileKey, data []byte) error {
	s.logger.Debug("sqlite store set", "z", k.Z, "x", k.X, "y", k.Y, "size", len(data))

	query := `INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`

	_, err := s.db.ExecContext(ctx, query, k.Z, k.X, tmsRow(k), data)
	if err != nil {
		s.logger.Error("sqlite store set failed", "z", k.Z, "x", k.X, "y", k.Y, "error", err)
		return err
	}

	return nil
}

func (s *SQLiteStore) SetMetadata(ctx context.Context, metadata map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO metadata (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value`

	for name, value := range metadata {
		if _, err := tx.ExecContext(ctx, query, name, value); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metadata := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		metadata[name] = value
	}

	return metadata, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
