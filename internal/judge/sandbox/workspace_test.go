package sandbox_test

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"judgebox/internal/common/storage"
	"judgebox/internal/judge/sandbox"
	pkgerrors "judgebox/pkg/errors"
)

type capturingStore struct {
	bucket      string
	key         string
	contentType string
	data        []byte
	putErr      error
}

func (s *capturingStore) PutObject(ctx context.Context, bucket, key string, reader storage.ObjectReader, size int64, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.bucket = bucket
	s.key = key
	s.contentType = contentType
	s.data = data
	return nil
}

func (s *capturingStore) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *capturingStore) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	return storage.ObjectStat{SizeBytes: int64(len(s.data))}, nil
}

func newManager(t *testing.T, grace time.Duration, store storage.ObjectStorage) *sandbox.WorkspaceManager {
	t.Helper()
	mgr, err := sandbox.NewWorkspaceManager(sandbox.WorkspaceConfig{
		RootDir:       filepath.Join(t.TempDir(), "work"),
		GraceDelay:    grace,
		ArchiveBucket: "judge-artifacts",
	}, store)
	if err != nil {
		t.Fatalf("NewWorkspaceManager: %v", err)
	}
	return mgr
}

func cppProfile(t *testing.T) sandbox.ExecutionProfile {
	t.Helper()
	for _, p := range sandbox.DefaultProfiles() {
		if p.Language == "cpp" {
			return p
		}
	}
	t.Fatal("cpp profile missing from defaults")
	return sandbox.ExecutionProfile{}
}

func TestPrepareWritesSource(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, time.Hour, nil)
	ws, err := mgr.Prepare(context.Background(), "job-123", "int main() { return 0; }", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	data, err := os.ReadFile(ws.HostPath("main.cpp"))
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if string(data) != "int main() { return 0; }" {
		t.Fatalf("unexpected source content: %q", data)
	}
	if !strings.Contains(filepath.Base(ws.Dir), "job-123") {
		t.Fatalf("workspace dir %q does not embed job id", ws.Dir)
	}
}

func TestPrepareNeverCollides(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, time.Hour, nil)
	first, err := mgr.Prepare(context.Background(), "same-id", "a", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare first: %v", err)
	}
	second, err := mgr.Prepare(context.Background(), "same-id", "b", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare second: %v", err)
	}
	if first.Dir == second.Dir {
		t.Fatalf("two jobs share workspace %q", first.Dir)
	}
}

func TestPrepareSanitizesHostileJobID(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "work")
	mgr, err := sandbox.NewWorkspaceManager(sandbox.WorkspaceConfig{RootDir: root, GraceDelay: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewWorkspaceManager: %v", err)
	}
	ws, err := mgr.Prepare(context.Background(), "../../etc/passwd", "x", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	rel, err := filepath.Rel(root, ws.Dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Fatalf("workspace %q escaped root %q", ws.Dir, root)
	}
}

func TestWriteInputClearsStaleOutput(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, time.Hour, nil)
	ws, err := mgr.Prepare(context.Background(), "job-io", "print(1)", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := os.WriteFile(ws.HostPath("stdout.log"), []byte("old"), 0644); err != nil {
		t.Fatalf("seed stale log: %v", err)
	}

	if err := ws.WriteInput("3 5\n"); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}

	data, err := os.ReadFile(ws.HostPath("input.txt"))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(data) != "3 5\n" {
		t.Fatalf("unexpected input content: %q", data)
	}
	if _, err := os.Stat(ws.HostPath("stdout.log")); !os.IsNotExist(err) {
		t.Fatalf("stale stdout.log survived WriteInput")
	}
}

func TestReleaseRemovesWorkspaceOnce(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, 10*time.Millisecond, nil)
	ws, err := mgr.Prepare(context.Background(), "job-release", "x", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ws.Release(context.Background())
	ws.Release(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(ws.Dir); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workspace %q still exists after release", ws.Dir)
}

func TestArchiveUploadsTarball(t *testing.T) {
	t.Parallel()

	store := &capturingStore{}
	mgr := newManager(t, time.Hour, store)
	ws, err := mgr.Prepare(context.Background(), "job-archive", "print('hi')", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := ws.WriteInput("42\n"); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}

	if err := mgr.Archive(context.Background(), ws); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if store.bucket != "judge-artifacts" {
		t.Fatalf("unexpected bucket %q", store.bucket)
	}
	if !strings.HasSuffix(store.key, ".tar.zst") {
		t.Fatalf("unexpected key %q", store.key)
	}

	zr, err := zstd.NewReader(bytes.NewReader(store.data))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	names := map[string]bool{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		names[hdr.Name] = true
	}
	if !names["main.cpp"] || !names["input.txt"] {
		t.Fatalf("archive missing workspace files, got %v", names)
	}
}

func TestArchiveWithoutStoreFails(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, time.Hour, nil)
	ws, err := mgr.Prepare(context.Background(), "job-noarchive", "x", cppProfile(t))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	err = mgr.Archive(context.Background(), ws)
	if pkgerrors.GetCode(err) != pkgerrors.StorageArchiveFailed {
		t.Fatalf("expected StorageArchiveFailed, got %v", err)
	}
}
