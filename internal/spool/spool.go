package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Spool stores accepted documents on disk. Incoming streams are staged
// under a temporary name and renamed once their job row exists.
type Spool struct {
	Dir string
}

func (s Spool) Ensure() error {
	return os.MkdirAll(s.Dir, 0755)
}

// Stage copies r into a new incoming file and returns its path and size.
func (s Spool) Stage(r io.Reader) (string, int64, error) {
	if err := s.Ensure(); err != nil {
		return "", 0, err
	}
	f, err := os.CreateTemp(s.Dir, fmt.Sprintf("incoming-%d-*", time.Now().UnixNano()))
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

// Commit moves a staged file to its final job path.
func (s Spool) Commit(staged string, jobID int64, fileName string) (string, error) {
	path := s.JobPath(jobID, fileName)
	if err := os.Rename(staged, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s Spool) JobPath(jobID int64, fileName string) string {
	base := fmt.Sprintf("job-%d", jobID)
	if fileName != "" {
		base = base + "-" + sanitizeFileName(fileName)
	}
	return filepath.Join(s.Dir, base)
}

func sanitizeFileName(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' {
			continue
		}
		if r < 0x20 {
			continue
		}
		clean = append(clean, r)
	}
	if len(clean) > 64 {
		clean = clean[:64]
	}
	if len(clean) == 0 {
		return "document"
	}
	return string(clean)
}
