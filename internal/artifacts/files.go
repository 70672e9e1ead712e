// Package artifacts handles the three files a run leaves behind: the verbatim
// registry copy, the generated script and the cached entity tag.
package artifacts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoRecord = errors.New("artifacts: no cached registry record")

type Store struct {
	RecordFile string
	PACFile    string
	ETagFile   string
}

// ReadETag returns the cached validator, or "" when none was stored yet.
func (s Store) ReadETag() (string, error) {
	data, err := os.ReadFile(s.ETagFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("artifacts: read etag: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s Store) WriteETag(etag string) error {
	if err := writeToFile(s.ETagFile, strings.NewReader(etag)); err != nil {
		return fmt.Errorf("artifacts: write etag: %w", err)
	}
	return nil
}

// OpenRecord opens the cached registry copy.
func (s Store) OpenRecord() (io.ReadCloser, error) {
	f, err := os.Open(s.RecordFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoRecord, s.RecordFile)
		}
		return nil, fmt.Errorf("artifacts: open record: %w", err)
	}
	return f, nil
}

func (s Store) WriteRecord(data []byte) error {
	if err := writeToFile(s.RecordFile, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("artifacts: write record: %w", err)
	}
	return nil
}

func (s Store) ReadPAC() ([]byte, error) {
	data, err := os.ReadFile(s.PACFile)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read pac: %w", err)
	}
	return data, nil
}

func (s Store) WritePAC(script []byte) error {
	if err := writeToFile(s.PACFile, bytes.NewReader(script)); err != nil {
		return fmt.Errorf("artifacts: write pac: %w", err)
	}
	return nil
}

// writeToFile replaces destPath through a temp file in the same directory.
func writeToFile(destPath string, data io.Reader) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpFile.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
