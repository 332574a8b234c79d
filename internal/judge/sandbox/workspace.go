package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"judgebox/internal/common/storage"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
)

const defaultWorkspaceGrace = 2 * time.Second

// WorkspaceConfig controls where per-job workspaces live and how long a
// finished workspace survives before removal.
type WorkspaceConfig struct {
	RootDir       string        `yaml:"rootDir"`
	GraceDelay    time.Duration `yaml:"graceDelay"`
	ArchiveBucket string        `yaml:"archiveBucket"`
}

// WorkspaceManager creates isolated per-job directories under a common
// root. Directory names embed the job id plus a random suffix, so two
// jobs can never share a workspace even with identical ids.
type WorkspaceManager struct {
	rootDir       string
	graceDelay    time.Duration
	store         storage.ObjectStorage
	archiveBucket string
}

// NewWorkspaceManager prepares the workspace root. The object store is
// optional; without it Archive becomes a no-op error.
func NewWorkspaceManager(cfg WorkspaceConfig, store storage.ObjectStorage) (*WorkspaceManager, error) {
	if cfg.RootDir == "" {
		return nil, appErr.ValidationError("root_dir", "required")
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = defaultWorkspaceGrace
	}
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace root failed")
	}
	return &WorkspaceManager{
		rootDir:       cfg.RootDir,
		graceDelay:    cfg.GraceDelay,
		store:         store,
		archiveBucket: cfg.ArchiveBucket,
	}, nil
}

// Workspace is one job's private scratch directory. It holds the source
// file, the per-testcase input, and the output logs the runtime container
// writes through the bind mount.
type Workspace struct {
	JobID string
	Dir   string

	graceDelay time.Duration
	removeOnce sync.Once
}

// Prepare creates the workspace and writes the submission source into it
// under the profile's source file name.
func (m *WorkspaceManager) Prepare(ctx context.Context, jobID, sourceCode string, p ExecutionProfile) (*Workspace, error) {
	if jobID == "" {
		return nil, appErr.ValidationError("job_id", "required")
	}
	dir, err := os.MkdirTemp(m.rootDir, "job-"+sanitizeID(jobID)+"-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace failed").
			WithDetail("job_id", jobID)
	}
	// The runtime container runs as nobody and must read the sources
	// through the bind mount.
	if err := os.Chmod(dir, 0755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "chmod workspace failed")
	}
	sourcePath := filepath.Join(dir, p.SourceFileName)
	if err := os.WriteFile(sourcePath, []byte(sourceCode), 0644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "write source failed").
			WithDetail("job_id", jobID)
	}
	logger.Debug(ctx, "workspace prepared",
		zap.String("job_id", jobID),
		zap.String("dir", dir))
	return &Workspace{JobID: jobID, Dir: dir, graceDelay: m.graceDelay}, nil
}

// HostPath resolves a file name inside the workspace to its host path.
func (w *Workspace) HostPath(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteInput replaces the testcase input file and clears the output logs
// from any previous run.
func (w *Workspace) WriteInput(input string) error {
	for _, stale := range []string{stdoutLogName, stderrLogName} {
		if err := os.Remove(w.HostPath(stale)); err != nil && !os.IsNotExist(err) {
			return appErr.Wrapf(err, appErr.WorkspaceFailed, "remove stale output failed")
		}
	}
	if err := os.WriteFile(w.HostPath(sourceInputName), []byte(input), 0644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "write input failed").
			WithDetail("job_id", w.JobID)
	}
	return nil
}

// Release schedules workspace removal after the grace delay. Repeated
// calls schedule at most one removal, so the directory is deleted exactly
// once no matter how many exit paths reach here.
func (w *Workspace) Release(ctx context.Context) {
	w.removeOnce.Do(func() {
		dir := w.Dir
		jobID := w.JobID
		logger.Debug(ctx, "workspace release scheduled",
			zap.String("job_id", jobID),
			zap.Duration("grace", w.graceDelay))
		time.AfterFunc(w.graceDelay, func() {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn(context.Background(), "workspace removal failed",
					zap.String("job_id", jobID),
					zap.String("dir", dir),
					zap.Error(err))
				return
			}
			logger.Debug(context.Background(), "workspace removed",
				zap.String("job_id", jobID),
				zap.String("dir", dir))
		})
	})
}

// Archive packs the workspace into a zstd-compressed tarball and uploads
// it to the configured bucket. Useful when an operator wants to inspect a
// failed job after the workspace itself is gone.
func (m *WorkspaceManager) Archive(ctx context.Context, w *Workspace) error {
	if m.store == nil || m.archiveBucket == "" {
		return appErr.New(appErr.StorageArchiveFailed).WithMessage("workspace archiving is not configured")
	}
	var buf bytes.Buffer
	if err := packWorkspace(w.Dir, &buf); err != nil {
		return err
	}
	key := "workspaces/" + sanitizeID(w.JobID) + ".tar.zst"
	reader := io.NopCloser(bytes.NewReader(buf.Bytes()))
	if err := m.store.PutObject(ctx, m.archiveBucket, key, reader, int64(buf.Len()), "application/zstd"); err != nil {
		return appErr.Wrapf(err, appErr.StorageArchiveFailed, "upload workspace archive failed").
			WithDetail("job_id", w.JobID).
			WithDetail("key", key)
	}
	logger.Info(ctx, "workspace archived",
		zap.String("job_id", w.JobID),
		zap.String("key", key),
		zap.Int("size_bytes", buf.Len()))
	return nil
}

func packWorkspace(dir string, out io.Writer) error {
	zw, err := zstd.NewWriter(out)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageArchiveFailed, "create compressor failed")
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(tw, f)
		closeErr := f.Close()
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return appErr.Wrapf(walkErr, appErr.StorageArchiveFailed, "pack workspace failed")
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.StorageArchiveFailed, "finalize tar failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.StorageArchiveFailed, "finalize compressor failed")
	}
	return nil
}

func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := b.String()
	if len(s) > 48 {
		s = s[:48]
	}
	if s == "" {
		s = "job"
	}
	return s
}
