package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that starts a fresh file each UTC day
// and rolls over within the day once the current file passes MaxBytes.
//
// For a base path of logs/gengated.log the files produced are
// logs/gengated-2026-08-25.log, logs/gengated-2026-08-25.2.log and so on.
// The base path itself is maintained as a symlink to the active file so that
// `tail -f` keeps working across rotations.
type RotatingWriter struct {
	basePath string
	maxBytes int64
	now      func() time.Time

	mu   sync.Mutex
	day  string
	seq  int
	file *os.File
	size int64
}

// NewRotatingWriter opens a rotating writer rooted at basePath. A basePath of
// "-" disables file output entirely.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	w := &RotatingWriter{basePath: basePath, maxBytes: maxBytes, now: time.Now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotateIfNeeded must be called with w.mu held.
func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.seq = 1
	case w.size+incoming > w.maxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	dir := filepath.Dir(w.basePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	name := filepath.Base(w.basePath)
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	target := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		target = fmt.Sprintf("%s-%s.%d%s", stem, w.day, w.seq, ext)
	}
	path := filepath.Join(dir, target)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.relink(path)
	return nil
}

// relink points basePath at the active file. The link target is the bare file
// name because link and file live in the same directory; a path-qualified
// target would resolve relative to that directory and point nowhere. Symlink
// failures are tolerated; the rotated file is still written either way.
func (w *RotatingWriter) relink(target string) {
	name := filepath.Base(target)
	if info, err := os.Lstat(w.basePath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.basePath); err == nil && dest == name {
				return
			}
		}
		_ = os.Remove(w.basePath)
	}
	_ = os.Symlink(name, w.basePath)
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// NewLogger builds a standard logger that writes to both stderr and the given
// file writer, with the usual date/time flags.
func NewLogger(fileWriter io.Writer) *log.Logger {
	if fileWriter == nil {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return log.New(io.MultiWriter(os.Stderr, fileWriter), "", log.LstdFlags)
}
