package tilestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
)

// FilesystemStore lays tiles out as <root>/<z>/<x>/<y>.
type FilesystemStore struct {
	root   string
	logger logger.Logger
}

func NewFilesystemStore(root string, l logger.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tile directory: %w", err)
	}

	l.Info("filesystem tile store initialized", "root", root)

	return &FilesystemStore{root: root, logger: l}, nil
}

var _ TileStore = (*FilesystemStore)(nil)

func (s *FilesystemStore) Get(ctx context.Context, k TileKey) ([]byte, bool, error) {
	content, err := os.ReadFile(s.pathFor(k))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return content, true, nil
}

func (s *FilesystemStore) Set(ctx context.Context, k TileKey, data []byte) error {
	path := s.pathFor(k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *FilesystemStore) Close() error {
	return nil
}

func (s *FilesystemStore) pathFor(k TileKey) string {
	return filepath.Join(s.root, fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y))
}
