package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ActivityLog is the append-only human-readable operations journal. Lines
// have the form "[<ISO timestamp>] <message>". Rotation is probabilistic:
// roughly one append in a hundred counts lines, and when the count exceeds
// the cap the file is truncated to its newest half. No lock is held; the
// log is best-effort and a torn line during concurrent rotation is
// acceptable.
type ActivityLog struct {
	Path     string
	MaxLines int
}

// Append writes one line, creating parent directories as needed.
func (a *ActivityLog) Append(message string) error {
	if a.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	f, err := os.OpenFile(a.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append activity log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if a.MaxLines > 0 && rand.Intn(100) == 0 {
		a.rotate()
	}
	return nil
}

// rotate truncates the file to its newest half once it exceeds MaxLines.
func (a *ActivityLog) rotate() {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= a.MaxLines {
		return
	}
	keep := lines[len(lines)/2:]
	tmp := a.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(keep, "\n")+"\n"), 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, a.Path)
}

// AppendJSONL appends one JSON object per line to path, creating parent
// directories as needed, and fsyncs so short-lived hook processes cannot
// lose the row on exit.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append: %w", err)
	}
	return f.Sync()
}

// ReadJSONL decodes every line of a JSONL file into out slices via the
// callback. Corrupt lines are skipped and counted, never fatal.
func ReadJSONL(path string, each func(line []byte) error) (corrupt int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := each(line); err != nil {
			corrupt++
		}
	}
	return corrupt, scanner.Err()
}

// WriteFileAtomic writes data to path via a temp file and rename, so
// readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
