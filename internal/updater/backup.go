package updater

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	backupBinaryFile = "workerctl.backup"
	backupMetaFile   = "backup.json"
)

type backupMeta struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Exe       string    `json:"exe"`
}

// backup keeps one copy of the binary that was replaced last.
type backup struct {
	dir string

	mu   sync.RWMutex
	meta *backupMeta
}

func defaultBackupDir() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cache, "workerctl", "backup"), nil
}

// openBackup creates dir if needed and picks up a backup left by an
// earlier run.
func openBackup(dir string) (*backup, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	b := &backup{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, backupMetaFile))
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup metadata: %w", err)
	}
	var meta backupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse backup metadata: %w", err)
	}
	if _, err := os.Stat(b.binary()); err == nil {
		b.meta = &meta
	}
	return b, nil
}

func (b *backup) binary() string {
	return filepath.Join(b.dir, backupBinaryFile)
}

// save copies exe aside and records which version it was.
func (b *backup) save(exe, version string) error {
	if err := copyFile(exe, b.binary()); err != nil {
		return err
	}
	meta := backupMeta{Version: version, CreatedAt: time.Now(), Exe: exe}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(b.dir, backupMetaFile), data, 0o644); err != nil {
		return fmt.Errorf("write backup metadata: %w", err)
	}

	b.mu.Lock()
	b.meta = &meta
	b.mu.Unlock()
	return nil
}

// restore copies the saved binary back over the executable it came from.
func (b *backup) restore() (string, error) {
	b.mu.RLock()
	meta := b.meta
	b.mu.RUnlock()
	if meta == nil {
		return "", errors.New("no backup")
	}
	if err := copyFile(b.binary(), meta.Exe); err != nil {
		return "", err
	}
	return meta.Version, nil
}

// version is "" when there is no backup.
func (b *backup) version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.meta == nil {
		return ""
	}
	return b.meta.Version
}

// copyFile writes src to a temporary file next to dst and renames it over
// dst, so a running binary is replaced rather than truncated.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".workerctl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
