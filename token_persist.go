package resilientgateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// MemoryPersister keeps the record in process memory. Useful in tests and for
// callers that do not want the session to survive a restart.
type MemoryPersister struct {
	mu  sync.Mutex
	rec *TokenRecord
}

func (p *MemoryPersister) Load(context.Context) (*TokenRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rec == nil {
		return nil, nil
	}
	out := *p.rec
	return &out, nil
}

func (p *MemoryPersister) Save(_ context.Context, rec *TokenRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := *rec
	p.rec = &out
	return nil
}

func (p *MemoryPersister) Delete(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec = nil
	return nil
}

const nonceSize = 24

// FilePersister stores the record as JSON in a single file. When a 32-byte key
// is configured the file is sealed with NaCl secretbox.
type FilePersister struct {
	mu   sync.Mutex
	path string
	key  *[32]byte
}

// NewFilePersister returns a persister writing to path. key must be empty or
// exactly 32 bytes.
func NewFilePersister(path string, key []byte) (*FilePersister, error) {
	p := &FilePersister{path: path}
	switch len(key) {
	case 0:
	case 32:
		p.key = new([32]byte)
		copy(p.key[:], key)
	default:
		return nil, fmt.Errorf("token file key must be 32 bytes, got %d", len(key))
	}
	return p, nil
}

func (p *FilePersister) Load(context.Context) (*TokenRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	if p.key != nil {
		if len(data) < nonceSize {
			return nil, errors.New("token file is truncated")
		}
		var nonce [nonceSize]byte
		copy(nonce[:], data[:nonceSize])
		opened, ok := secretbox.Open(nil, data[nonceSize:], &nonce, p.key)
		if !ok {
			return nil, errors.New("token file could not be decrypted")
		}
		data = opened
	}

	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &rec, nil
}

func (p *FilePersister) Save(_ context.Context, rec *TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if p.key != nil {
		var nonce [nonceSize]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		data = secretbox.Seal(nonce[:], data, &nonce, p.key)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return os.Rename(tmp, p.path)
}

func (p *FilePersister) Delete(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
