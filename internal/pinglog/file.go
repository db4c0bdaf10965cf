package pinglog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// ReadFile parses the log at path. A missing or unreadable file is an
// InputError; an empty file is returned as an empty log.
func ReadFile(path string) (Log, []ParseWarning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &InputError{Path: path, Err: err}
	}
	defer f.Close()

	log, warnings, err := Parse(f)
	for i := range warnings {
		warnings[i].Path = path
	}
	if err != nil {
		return nil, warnings, &InputError{Path: path, Err: err}
	}
	return log, warnings, nil
}

// WriteFileAtomic replaces the file at path with log. The content goes to a
// temporary file in the same directory which is synced and renamed over the
// target, so readers never observe a partially written log. The target is
// held under an exclusive advisory lock while it is replaced.
func WriteFileAtomic(path string, log Log) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("pinglog: create directory: %w", err)
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	tmpPath := path + ".tmp." + randomSuffix()
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("pinglog: create temp file: %w", err)
	}

	abort := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := Write(tmp, log); err != nil {
		abort()
		return fmt.Errorf("pinglog: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		abort()
		return fmt.Errorf("pinglog: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pinglog: close: %w", err)
	}

	target, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pinglog: open target: %w", err)
	}
	defer target.Close()

	if err := lockFile(target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pinglog: lock target: %w", err)
	}
	defer unlockFile(target)

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pinglog: replace %s: %w", path, err)
	}
	return nil
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
