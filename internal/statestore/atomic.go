// Package statestore implements the atomic-write / recover-on-corruption
// contract shared by every JSON document under the state root: write to a
// sibling temp file, verify it parses, rename over the target; on load, an
// unparseable document is archived with a timestamp suffix rather than
// treated as fatal.
//
// Grounded on the original implementation's queue persistence
// (_atomic_write / _load) and per-task state handling (state.py).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// WriteJSON atomically writes v as pretty-printed JSON to path (map keys
// sorted, struct fields in declaration order).
// It writes to "<path>.tmp-<pid>", verifies the bytes parse back as JSON,
// then renames over path. A parse failure after writing fails the call
// without touching the existing file.
func WriteJSON(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: open temp for %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("statestore: write temp for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("statestore: sync temp for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statestore: close temp for %s: %w", path, err)
	}

	// Verify before rename: a corrupt write must never clobber good state.
	var probe interface{}
	verifyData, err := os.ReadFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statestore: reread temp for %s: %w", path, err)
	}
	if err := json.Unmarshal(verifyData, &probe); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statestore: verify temp for %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statestore: rename into place for %s: %w", path, err)
	}
	return nil
}

// ReadJSON loads path into v. A missing file is not an error: v is left
// untouched and ok reports false. A present-but-unparseable file is
// archived to "<path>.corrupt-<timestamp>", the recovery is logged at
// warning level, and ok reports false; the caller proceeds with a
// zero-value document.
func ReadJSON(path string, v interface{}, log zerolog.Logger) (ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return false, nil
		}
		return false, fmt.Errorf("statestore: read %s: %w", path, readErr)
	}

	if unmarshalErr := json.Unmarshal(data, v); unmarshalErr != nil {
		archived, archErr := archiveCorrupt(path)
		if archErr != nil {
			return false, fmt.Errorf("statestore: archive corrupt %s: %w", path, archErr)
		}
		log.Warn().
			Str("path", path).
			Str("archived_as", archived).
			Err(unmarshalErr).
			Msg("corrupt state document recovered; continuing with empty document")
		return false, nil
	}
	return true, nil
}

// archiveCorrupt renames path to "<path>.corrupt-<RFC3339-ish timestamp>".
func archiveCorrupt(path string) (string, error) {
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	dest := fmt.Sprintf("%s.corrupt-%s", path, stamp)
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// BackupContent writes content directly to a timestamped sibling under
// backupDir (no source file is read), for callers whose "document" only
// ever exists in memory (e.g. crontab content fetched via a subprocess
// call) but still want the same backup-before-replace convention used
// elsewhere under the state root.
func BackupContent(content string, backupDir string, prefix string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("statestore: mkdir backup dir %s: %w", backupDir, err)
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	dest := filepath.Join(backupDir, fmt.Sprintf("%s-%s.bak", prefix, stamp))
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("statestore: write backup %s: %w", dest, err)
	}
	return dest, nil
}

// Backup copies path to "<backupDir>/<prefix>-<stamp>.bak" and returns the
// destination path. Used for documents that cannot be regenerated from
// scratch (env.json) before they are replaced; the host cron table goes
// through BackupContent. A missing source is not an error — there is nothing to back up.
func Backup(path string, backupDir string, prefix string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("statestore: read for backup %s: %w", path, err)
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("statestore: mkdir backup dir %s: %w", backupDir, err)
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	dest := filepath.Join(backupDir, fmt.Sprintf("%s-%s.bak", prefix, stamp))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("statestore: write backup %s: %w", dest, err)
	}
	return dest, nil
}
