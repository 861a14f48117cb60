package localstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPassphraseRequired is returned when loading an encrypted snapshot
// without a passphrase.
var ErrPassphraseRequired = errors.New("snapshot is encrypted: passphrase required")

// FileStore persists a Snapshot as a JSON file, encrypted when a passphrase
// is set. A missing file loads as an empty snapshot.
type FileStore struct {
	path       string
	passphrase string
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{Lists: map[string]ListSnapshot{}}, nil
		}
		return Snapshot{}, fmt.Errorf("read file: %w", err)
	}

	// Plain JSON is accepted with a passphrase so that an existing file can
	// be encrypted by its next save.
	plain := json.Valid(data)
	if f.passphrase != "" {
		dec, err := unseal(data, f.passphrase)
		switch {
		case err == nil:
			data = dec
		case !plain:
			return Snapshot{}, err
		}
	} else if !plain {
		return Snapshot{}, ErrPassphraseRequired
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("json unmarshal: %w", err)
	}
	if snap.Lists == nil {
		snap.Lists = map[string]ListSnapshot{}
	}
	return snap, nil
}

// Save writes the snapshot through a temporary file and a rename, so a
// crash never leaves a half-written file behind.
func (f *FileStore) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	if f.passphrase != "" {
		if data, err = seal(data, f.passphrase); err != nil {
			return err
		}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
