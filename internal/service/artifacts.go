package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// artifactStore keeps uploaded build artifacts on local disk, one
// directory per build
type artifactStore struct {
	mu  sync.Mutex
	dir string
}

func newArtifactStore(dir string) *artifactStore {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "conveyor-artifacts")
	}
	return &artifactStore{dir: dir}
}

func (a *artifactStore) save(buildID, name string, r io.Reader) error {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, "..") {
		return fmt.Errorf("invalid artifact name %q", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	dir := filepath.Join(a.dir, buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

func (a *artifactStore) list(buildID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.dir, buildID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (a *artifactStore) open(buildID, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(a.dir, buildID, filepath.Base(name)))
}

// SaveArtifact stores one uploaded artifact for a build. The build must
// exist; callers report per-file errors so one bad file never fails the
// rest of a batch.
func (s *Service) SaveArtifact(ctx context.Context, buildID, name string, r io.Reader) error {
	if _, err := s.store.GetBuild(buildID); err != nil {
		return err
	}
	if err := s.artifacts.save(buildID, name, r); err != nil {
		return err
	}
	s.getLogger(ctx).Info("service: artifact stored",
		"build_id", buildID,
		"artifact", name)
	return nil
}

// ListArtifacts returns the stored artifact names for a build
func (s *Service) ListArtifacts(ctx context.Context, buildID string) ([]string, error) {
	if _, err := s.store.GetBuild(buildID); err != nil {
		return nil, err
	}
	return s.artifacts.list(buildID)
}

// OpenArtifact opens one stored artifact for download
func (s *Service) OpenArtifact(ctx context.Context, buildID, name string) (io.ReadCloser, error) {
	if _, err := s.store.GetBuild(buildID); err != nil {
		return nil, err
	}
	return s.artifacts.open(buildID, name)
}
