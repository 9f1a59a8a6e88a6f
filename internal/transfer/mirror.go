package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"dirsynch/internal/logger"
	"dirsynch/internal/pipeline"
	"dirsynch/internal/util"
)

// Mirror replicates paths from src into dst on the local filesystem.
// dst may be a mounted remote transport; the base directory must already
// exist. Files are written via temp+rename and skipped when their
// checksum already matches the remote copy.
type Mirror struct {
	src   string
	dst   string
	rules *pipeline.Rules
}

func NewMirror(src, dst string, rules *pipeline.Rules) (*Mirror, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return nil, fmt.Errorf("invalid src path: %w", err)
	}

	absDst, err := filepath.Abs(dst)
	if err != nil {
		return nil, fmt.Errorf("invalid dst path: %w", err)
	}

	if info, err := os.Stat(absSrc); err != nil {
		return nil, fmt.Errorf("source directory not found: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", absSrc)
	}

	if info, err := os.Stat(absDst); err != nil {
		return nil, fmt.Errorf("destination directory not found (create it first): %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("destination %s is not a directory", absDst)
	}

	return &Mirror{src: absSrc, dst: absDst, rules: rules}, nil
}

func (m *Mirror) Root() string {
	return m.src
}

func (m *Mirror) SyncAll(ctx context.Context) error {
	return m.Sync(ctx, m.src)
}

func (m *Mirror) Sync(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	dstPath := m.dst
	if absPath != m.src {
		rel, err := filepath.Rel(m.src, absPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("path %s is outside the watch root", absPath)
		}

		if m.rules.Excluded(absPath) {
			return nil
		}

		dstPath = filepath.Join(m.dst, rel)
	}

	return m.syncPath(ctx, absPath, dstPath)
}

func (m *Mirror) syncPath(ctx context.Context, srcPath, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Lstat(srcPath)
	if os.IsNotExist(err) {
		// deleted locally, mirror the deletion
		return util.RemoveIfExists(dstPath)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", srcPath, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return m.syncSymlink(srcPath, dstPath)
	case info.IsDir():
		return m.syncDir(ctx, srcPath, dstPath)
	default:
		return m.syncFile(srcPath, dstPath, info.Mode().Perm())
	}
}

func (m *Mirror) syncDir(ctx context.Context, srcDir, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dstDir, err)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("failed to read dir %s: %w", srcDir, err)
	}

	local := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		srcPath := filepath.Join(srcDir, entry.Name())
		local[entry.Name()] = true

		if m.rules.Excluded(srcPath) {
			logger.Log.Debug("skipping excluded path",
				zap.String("path", srcPath))
			continue
		}

		if err := m.syncPath(ctx, srcPath, filepath.Join(dstDir, entry.Name())); err != nil {
			return err
		}
	}

	return m.prune(dstDir, local)
}

// prune removes remote entries whose local counterpart no longer exists.
// Entries that still exist locally but are excluded are left untouched.
func (m *Mirror) prune(dstDir string, local map[string]bool) error {
	remote, err := os.ReadDir(dstDir)
	if err != nil {
		return fmt.Errorf("failed to read dir %s: %w", dstDir, err)
	}

	for _, entry := range remote {
		if local[entry.Name()] {
			continue
		}

		target := filepath.Join(dstDir, entry.Name())
		if err := util.RemoveIfExists(target); err != nil {
			return err
		}
		logger.Log.Debug("pruned remote entry",
			zap.String("path", target))
	}

	return nil
}

func (m *Mirror) syncFile(srcPath, dstPath string, perm os.FileMode) error {
	if util.SameContent(srcPath, dstPath) {
		logger.Log.Debug("checksum unchanged, skipping",
			zap.String("path", srcPath))
		return nil
	}

	f, err := os.Open(srcPath)
	if os.IsNotExist(err) {
		// vanished between stat and open, the deletion event will follow
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open src: %w", err)
	}

	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	return util.AtomicWrite(dstPath, f, perm)
}

func (m *Mirror) syncSymlink(srcPath, dstPath string) error {
	target, err := os.Readlink(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", srcPath, err)
	}

	if filepath.IsAbs(target) {
		return fmt.Errorf("absolute symlink target %s -> %s cannot be mirrored", srcPath, target)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	if err := util.RemoveIfExists(dstPath); err != nil {
		return err
	}

	if err := os.Symlink(target, dstPath); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", dstPath, err)
	}

	return nil
}
