// Package secrets manages the key/IV pair that switches a pool into
// secured mode. The pair is generated once, persisted to a YAML file with
// owner-read-only permissions, and reused for the pool's lifetime.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jacktea/filepool/pkg/xerrors"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector length in bytes (one AES block).
	IVSize = 16
)

// fileMode is applied to the secret file after a successful write.
const fileMode = 0o400

// Material holds the cipher inputs for a secured pool.
type Material struct {
	Key [KeySize]byte
	IV  [IVSize]byte
}

// secretFile is the on-disk YAML shape: base64-encoded key and iv entries.
type secretFile struct {
	Key string `yaml:"key"`
	IV  string `yaml:"iv"`
}

// Generate returns fresh random material.
func Generate() (Material, error) {
	var m Material
	if _, err := io.ReadFull(rand.Reader, m.Key[:]); err != nil {
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Generate", "", err)
	}
	if _, err := io.ReadFull(rand.Reader, m.IV[:]); err != nil {
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Generate", "", err)
	}
	return m, nil
}

// Load reads material from path. A missing file surfaces the underlying
// fs.ErrNotExist so callers can distinguish it from corruption; every other
// failure is a KindSecret error.
func Load(path string) (Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Material{}, err
		}
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Load", path, err)
	}
	var f secretFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Load", path, err)
	}
	key, err := base64.StdEncoding.DecodeString(f.Key)
	if err != nil {
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Load", path, fmt.Errorf("decode key: %w", err))
	}
	iv, err := base64.StdEncoding.DecodeString(f.IV)
	if err != nil {
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Load", path, fmt.Errorf("decode iv: %w", err))
	}
	if len(key) != KeySize {
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Load", path, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	if len(iv) != IVSize {
		return Material{}, xerrors.Wrap(xerrors.KindSecret, "secrets.Load", path, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv)))
	}
	var m Material
	copy(m.Key[:], key)
	copy(m.IV[:], iv)
	return m, nil
}

// Save persists material to path and restricts the file to owner-read-only.
// The file is written before restriction so the chmod covers the final bytes.
func Save(path string, m Material) error {
	f := secretFile{
		Key: base64.StdEncoding.EncodeToString(m.Key[:]),
		IV:  base64.StdEncoding.EncodeToString(m.IV[:]),
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return xerrors.Wrap(xerrors.KindSecret, "secrets.Save", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return xerrors.Wrap(xerrors.KindSecret, "secrets.Save", path, err)
	}
	if err := os.Chmod(path, fileMode); err != nil {
		return xerrors.Wrap(xerrors.KindSecret, "secrets.Save", path, err)
	}
	return nil
}

// LoadOrCreate loads material from path, generating and persisting a fresh
// pair when the file does not exist yet. The returned bool reports whether
// a new pair was created. Any failure other than first-use absence is
// fatal: a pool asked to run secured must not continue on inconsistent
// secret state.
func LoadOrCreate(path string) (Material, bool, error) {
	m, err := Load(path)
	if err == nil {
		return m, false, nil
	}
	if !os.IsNotExist(err) {
		return Material{}, false, err
	}
	m, err = Generate()
	if err != nil {
		return Material{}, false, err
	}
	if err := Save(path, m); err != nil {
		return Material{}, false, err
	}
	return m, true, nil
}
