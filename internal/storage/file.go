package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "signbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Each namespace is one JSON document <dir>/<ns>.json holding a flat
// map[key]value. Writes rewrite the document atomically (tmp + rename).
// Documents are cached in memory after first load.
type fileStore struct {
	log logx.Logger
	dir string

	mu     sync.Mutex
	loaded map[string]map[string]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, loaded: map[string]map[string]string{}}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Get(ctx context.Context, ns, key string) (string, bool, error) {
	_ = ctx
	ns, err := cleanNamespace(ns)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(ns)
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (s *fileStore) Put(ctx context.Context, ns, key, value string) error {
	_ = ctx
	ns, err := cleanNamespace(ns)
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(ns)
	if err != nil {
		return err
	}
	m[key] = value
	return s.flushLocked(ns, m)
}

func (s *fileStore) Delete(ctx context.Context, ns, key string) error {
	_ = ctx
	ns, err := cleanNamespace(ns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(ns)
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.flushLocked(ns, m)
}

func (s *fileStore) Keys(ctx context.Context, ns string) ([]string, error) {
	_ = ctx
	ns, err := cleanNamespace(ns)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(ns)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Namespaces(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		seen[strings.TrimSuffix(name, ".json")] = true
	}
	for ns, m := range s.loaded {
		if len(m) > 0 {
			seen[ns] = true
		}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) DeleteNamespace(ctx context.Context, ns string) error {
	_ = ctx
	ns, err := cleanNamespace(ns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loaded, ns)
	err = os.Remove(s.path(ns))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fileStore) path(ns string) string {
	return filepath.Join(s.dir, ns+".json")
}

func (s *fileStore) loadLocked(ns string) (map[string]string, error) {
	if m, ok := s.loaded[ns]; ok {
		return m, nil
	}
	m := map[string]string{}
	b, err := os.ReadFile(s.path(ns))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if len(b) > 0 {
		if err := json.Unmarshal(b, &m); err != nil {
			// Corrupt document: keep the file around, start fresh in memory.
			s.log.Warn("storage document unreadable; starting empty",
				logx.String("ns", ns), logx.Err(err))
			m = map[string]string{}
		}
	}
	s.loaded[ns] = m
	return m, nil
}

func (s *fileStore) flushLocked(ns string, m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(ns) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(ns))
}

// cleanNamespace restricts namespaces to path-safe names.
func cleanNamespace(ns string) (string, error) {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return "", errors.New("storage: empty namespace")
	}
	for _, r := range ns {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", errors.New("storage: invalid namespace " + ns)
		}
	}
	return ns, nil
}
