package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WriteFileAtomic writes data to path by writing a temp file in the same
// directory and renaming it over the target, holding an exclusive advisory
// lock on the target for the duration. A crash mid-write leaves at worst a
// stray temp file; the target is always either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

// ReadFileShared reads path under a shared advisory lock so a read never
// races an in-flight locked write.
func ReadFileShared(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire read lock: %w", err)
	}
	defer lock.Unlock()
	return os.ReadFile(path)
}
