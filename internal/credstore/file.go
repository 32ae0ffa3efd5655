package credstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gotd/td/session"

	"github.com/danhigham/telefleet/internal/domain"
)

const (
	sessionDirPrefix = "session_"
	sessionFile      = "session.json"
)

// FileStore keeps one gotd session file per identity under
// <dir>/session_<number>/session.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) sessionDir(id domain.Identity) string {
	return filepath.Join(s.dir, sessionDirPrefix+id.String())
}

func (s *FileStore) storage(id domain.Identity) *session.FileStorage {
	return &session.FileStorage{Path: filepath.Join(s.sessionDir(id), sessionFile)}
}

func (s *FileStore) Ensure(ctx context.Context, id domain.Identity) error {
	if err := os.MkdirAll(s.sessionDir(id), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id domain.Identity) ([]byte, error) {
	data, err := s.storage(id).LoadSession(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return data, nil
}

func (s *FileStore) Save(ctx context.Context, id domain.Identity, data []byte) error {
	if err := s.Ensure(ctx, id); err != nil {
		return err
	}
	if err := s.storage(id).StoreSession(ctx, data); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id domain.Identity) error {
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]domain.Identity, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var ids []domain.Identity
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sessionDirPrefix) {
			continue
		}
		id, err := domain.ParseIdentity(strings.TrimPrefix(e.Name(), sessionDirPrefix))
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), sessionFile)); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
