package receipt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anumate/orchestrator/internal/domain"
)

// FileWORMSink is a filesystem-backed append-only export target, standing in
// for a real WORM object store (e.g. S3 Object Lock) in development and
// tests. Writes are append-only by convention: the file for a content hash
// is never overwritten once committed.
type FileWORMSink struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileWORMSink creates a WORM sink rooted at baseDir.
func NewFileWORMSink(baseDir string) (*FileWORMSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("receipt: ensure worm dir: %w", err)
	}
	return &FileWORMSink{baseDir: baseDir}, nil
}

// Export writes payload under a path derived from the receipt's tenant and
// content hash, returning a worm:// URI. Write-once: an existing file at
// the target path is treated as already exported and left untouched.
func (s *FileWORMSink) Export(ctx context.Context, r *domain.Receipt, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, r.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("receipt: ensure tenant worm dir: %w", err)
	}
	path := filepath.Join(dir, r.ContentHash+".json")
	uri := "worm://" + r.TenantID + "/" + r.ContentHash + ".json"

	if _, err := os.Stat(path); err == nil {
		return uri, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o400); err != nil {
		return "", fmt.Errorf("receipt: write worm payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("receipt: commit worm payload: %w", err)
	}
	return uri, nil
}

// Fetch reads back a previously exported payload by its worm:// URI.
func (s *FileWORMSink) Fetch(ctx context.Context, uri string) ([]byte, error) {
	const prefix = "worm://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return nil, fmt.Errorf("receipt: invalid worm uri %q", uri)
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(uri[len(prefix):]))
	return os.ReadFile(path)
}
