package hashstore

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"

	workflow "github.com/distr1/workflow"
	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/xerrors"
)

// Namespace names one of the store's logical key-value spaces (spec.md
// §3 "Cache").
type Namespace string

const (
	NSObjects  Namespace = "objects"
	NSMeta     Namespace = "meta"
	NSProgress Namespace = "progress"
)

// ProgressState is one target's ephemeral per-run state (spec.md §3).
type ProgressState string

const (
	ProgressQueued   ProgressState = "queued"
	ProgressBuilding ProgressState = "building"
	ProgressBuilt    ProgressState = "built"
	ProgressFailed   ProgressState = "failed"
)

// storedConfig records the hashing algorithms a cache directory was
// created with (spec.md §6 "config — stored hashing algorithm
// identifiers (must match across runs or cache is invalidated)").
type storedConfig struct {
	ShortHashAlgo string `json:"short_hash_algo"`
	LongHashAlgo  string `json:"long_hash_algo"`
}

// Store is the content-addressed, on-disk cache (spec.md §4.D, §6).
// Object blobs are gzip-compressed on write, a direct extension of the
// teacher's content-addressed package store pattern using the
// klauspost/compress library already present in its dependency graph.
// Writes go through renameio for atomic-per-key commits; readers never
// observe a partially written file (invariant "Cache operations are
// atomic per key").
type Store struct {
	dir string

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// Open creates (or reuses) a cache directory at dir. If a config file
// already exists and its hashing algorithms differ from shortAlgo/
// longAlgo, the entire cache is invalidated (cleared) before use, per
// spec.md §6.
func Open(dir, shortAlgo, longAlgo string) (*Store, error) {
	for _, ns := range []Namespace{NSObjects, NSMeta, NSProgress} {
		if err := os.MkdirAll(filepath.Join(dir, string(ns)), 0o755); err != nil {
			return nil, xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
		}
	}
	s := &Store{dir: dir, keyLocks: map[string]*sync.Mutex{}}

	cfgPath := filepath.Join(dir, "config")
	want := storedConfig{ShortHashAlgo: shortAlgo, LongHashAlgo: longAlgo}
	if b, err := ioutil.ReadFile(cfgPath); err == nil {
		var got storedConfig
		if err := json.Unmarshal(b, &got); err == nil && got != want {
			if err := s.Clean(""); err != nil {
				return nil, err
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	b, err := json.Marshal(want)
	if err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(cfgPath, b, 0o644); err != nil {
		return nil, xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	return s, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

func (s *Store) path(ns Namespace, name string) string {
	return filepath.Join(s.dir, string(ns), name)
}

// Exists reports whether name has an entry in namespace.
func (s *Store) Exists(ns Namespace, name string) bool {
	_, err := os.Stat(s.path(ns, name))
	return err == nil
}

// List returns every key currently stored in namespace.
func (s *Store) List(ns Namespace) ([]string, error) {
	entries, err := ioutil.ReadDir(filepath.Join(s.dir, string(ns)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Clean removes name's entries from every namespace, or the entire cache
// when name == "". Object blobs are keyed by content hash, not by target
// name, so a single-name Clean leaves the target's value blob in place.
func (s *Store) Clean(name string) error {
	if name == "" {
		for _, ns := range []Namespace{NSObjects, NSMeta, NSProgress} {
			if err := os.RemoveAll(filepath.Join(s.dir, string(ns))); err != nil {
				return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
			}
			if err := os.MkdirAll(filepath.Join(s.dir, string(ns)), 0o755); err != nil {
				return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
			}
		}
		return nil
	}
	for _, ns := range []Namespace{NSObjects, NSMeta, NSProgress} {
		if err := os.Remove(s.path(ns, name)); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
		}
	}
	return nil
}

// PutObject gzip-compresses and atomically writes v, serialized via
// stableSerialize, under key hash in the objects namespace.
func (s *Store) PutObject(hash string, v interface{}) error {
	l := s.lockFor(string(NSObjects) + "/" + hash)
	l.Lock()
	defer l.Unlock()

	raw, err := stableSerialize(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	if err := gw.Close(); err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	if err := renameio.WriteFile(s.path(NSObjects, hash), buf.Bytes(), 0o644); err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	return nil
}

// GetObject reads back and decompresses the value stored under hash,
// unmarshaling it into out (a pointer), per the object store's round-trip
// law (spec.md §8).
func (s *Store) GetObject(hash string, out interface{}) error {
	f, err := os.Open(s.path(NSObjects, hash))
	if err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	defer gr.Close()
	b, err := ioutil.ReadAll(gr)
	if err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	return json.Unmarshal(b, out)
}

// PutMeta atomically writes a target's meta record.
func (s *Store) PutMeta(name string, m workflow.Meta) error {
	l := s.lockFor(string(NSMeta) + "/" + name)
	l.Lock()
	defer l.Unlock()

	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path(NSMeta, name), b, 0o644); err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	return nil
}

// GetMeta reads a target's meta record. It returns (nil, nil) if no meta
// record exists yet (spec.md §4.E rule 1: "m does not exist").
func (s *Store) GetMeta(name string) (*workflow.Meta, error) {
	b, err := ioutil.ReadFile(s.path(NSMeta, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	var m workflow.Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	return &m, nil
}

// SetProgress records name's ephemeral per-run state.
func (s *Store) SetProgress(name string, state ProgressState) error {
	l := s.lockFor(string(NSProgress) + "/" + name)
	l.Lock()
	defer l.Unlock()
	if err := renameio.WriteFile(s.path(NSProgress, name), []byte(state), 0o644); err != nil {
		return xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	return nil
}

// GetProgress returns name's last recorded progress state, or "" if
// none.
func (s *Store) GetProgress(name string) (ProgressState, error) {
	b, err := ioutil.ReadFile(s.path(NSProgress, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", xerrors.Errorf("hashstore: %w: %v", workflow.ErrCache, err)
	}
	return ProgressState(b), nil
}
