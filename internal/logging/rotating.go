package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type target int

const (
	toFile target = iota
	toStderr
	toStdout
	toNowhere
)

// RotatingFile is an append-only log file that moves itself to "<path>.O"
// once the next write would push it past maxSize. Only one backup is kept.
type RotatingFile struct {
	path    string
	maxSize int64
	target  target

	mu   sync.Mutex
	f    *os.File
	size int64
}

func NewRotatingFile(path string, maxSize int64) *RotatingFile {
	path = strings.TrimSpace(path)
	r := &RotatingFile{path: path, maxSize: maxSize}
	switch strings.ToLower(path) {
	case "", "none", "off":
		r.target = toNowhere
	case "stderr", "-":
		r.target = toStderr
	case "stdout":
		r.target = toStdout
	}
	return r
}

func (r *RotatingFile) Enabled() bool {
	return r != nil && r.target != toNowhere
}

// Target is the writer to hand to a logger: the process stream for the
// stderr and stdout targets, r for a file.
func (r *RotatingFile) Target() io.Writer {
	if r == nil {
		return io.Discard
	}
	switch r.target {
	case toStderr:
		return os.Stderr
	case toStdout:
		return os.Stdout
	case toNowhere:
		return io.Discard
	}
	return r
}

func (r *RotatingFile) WriteLine(line string) error {
	if r == nil {
		return nil
	}
	_, err := r.Write([]byte(line + "\n"))
	return err
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	if r == nil {
		return len(p), nil
	}
	switch r.target {
	case toNowhere:
		return len(p), nil
	case toStderr:
		return os.Stderr.Write(p)
	case toStdout:
		return os.Stdout.Write(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.open(); err != nil {
		return 0, err
	}
	if r.maxSize > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// Close releases the file handle. A later write reopens it.
func (r *RotatingFile) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *RotatingFile) open() error {
	if r.f != nil {
		return nil
	}
	if dir := filepath.Dir(r.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f, r.size = f, info.Size()
	return nil
}

func (r *RotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil
	backup := r.path + ".O"
	_ = os.Remove(backup)
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	return r.open()
}
