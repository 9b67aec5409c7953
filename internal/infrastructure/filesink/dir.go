// Package filesink writes finished artifacts to a directory.
package filesink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/convert"
)

// ErrInvalidName is returned for names that would escape the directory
var ErrInvalidName = errors.New("filesink: invalid file name")

// Dir saves artifacts under a root directory. A file either appears complete or not at all.
type Dir struct {
	root   string
	logger *zap.Logger
}

// NewDir creates the root directory if needed
func NewDir(root string, logger *zap.Logger) (*Dir, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if root == "" {
		return nil, errors.New("filesink: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Dir{root: root, logger: logger.Named("filesink")}, nil
}

// Root returns the output directory
func (d *Dir) Root() string { return d.root }

// Save writes a to root/fileName through a temp file and a rename
func (d *Dir) Save(ctx context.Context, fileName string, a *convert.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a == nil {
		return errors.New("filesink: nil artifact")
	}
	if fileName == "" || fileName != filepath.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, fileName)
	}

	tmp, err := os.CreateTemp(d.root, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(a.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", fileName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", fileName, err)
	}

	dst := filepath.Join(d.root, fileName)
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename %s: %w", fileName, err)
	}
	committed = true

	d.logger.Info("artifact written",
		zap.String("path", dst),
		zap.String("format", string(a.Format)),
		zap.Int("bytes", a.Size()))
	return nil
}
