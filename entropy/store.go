package entropy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
)

// Store persists one entropy value per validity scope. CachedSource is its
// only reader and writer.
type Store interface {
	// Load returns (nil, false, nil) when nothing is stored for scope.
	Load(ctx context.Context, scope string) (Value, bool, error)
	Store(ctx context.Context, scope string, v Value) error
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*FileStore)(nil)
)

type StoreOp struct {
	Kind  string // "load" or "store"
	Scope string
}

// MemStore keeps values in memory and records every operation, which makes
// it convenient for asserting exact access sequences.
type MemStore struct {
	mu     sync.Mutex
	values map[string]Value
	ops    []StoreOp

	// LoadErr and StoreErr, if set, are returned by every Load/Store call
	LoadErr  error
	StoreErr error
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]Value)}
}

func (m *MemStore) Load(_ context.Context, scope string) (Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, StoreOp{"load", scope})
	if m.LoadErr != nil {
		return nil, false, m.LoadErr
	}
	v, ok := m.values[scope]
	return v.clone(), ok, nil
}

func (m *MemStore) Store(_ context.Context, scope string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, StoreOp{"store", scope})
	if m.StoreErr != nil {
		return m.StoreErr
	}
	m.values[scope] = v.clone()
	return nil
}

func (m *MemStore) Ops() []StoreOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoreOp(nil), m.ops...)
}

// FileStore keeps the most recent value in a single JSON file. Storing a new
// scope replaces the previous one; only the latest audit cycle matters.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileRecord struct {
	Scope   string        `json:"scope"`
	Entropy hexutil.Bytes `json:"entropy"`
}

func (f *FileStore) Load(_ context.Context, scope string) (Value, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to read entropy cache %s: %w", f.path, err)
	}
	var rec fileRecord
	if err = json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode entropy cache %s: %w", f.path, err)
	}
	if rec.Scope != scope || len(rec.Entropy) == 0 {
		return nil, false, nil
	}
	return Value(rec.Entropy), true, nil
}

func (f *FileStore) Store(_ context.Context, scope string, v Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := json.Marshal(fileRecord{Scope: scope, Entropy: hexutil.Bytes(v)})
	if err != nil {
		return fmt.Errorf("failed to encode entropy cache: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create entropy cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".entropy-*")
	if err != nil {
		return fmt.Errorf("failed to create entropy cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename
	if _, err = tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write entropy cache: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync entropy cache: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close entropy cache: %w", err)
	}
	if err = os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace entropy cache: %w", err)
	}
	return nil
}
