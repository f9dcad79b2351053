package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tunes file rotation. Zero values select the defaults.
type Options struct {
	MaxSizeMB  int // rotate when the file grows past this size
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RotatingWriter writes to a lumberjack-managed file that additionally rolls
// over at each UTC day boundary.
type RotatingWriter struct {
	mu      sync.Mutex
	logger  *lumberjack.Logger
	curDate string
	now     func() time.Time
}

// NewRotatingWriter creates a writer for path. "-" or an empty path discards
// output so only stdout logging remains.
func NewRotatingWriter(path string, opts Options) (io.WriteCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 14
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 30
	}
	w := &RotatingWriter{
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		now: time.Now,
	}
	w.curDate = w.today()
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if today := w.today(); today != w.curDate {
		w.curDate = today
		if err := w.logger.Rotate(); err != nil {
			return 0, err
		}
	}
	return w.logger.Write(p)
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logger.Close()
}

func (w *RotatingWriter) today() string {
	return w.now().UTC().Format("2006-01-02")
}

// Output mirrors log lines to stdout and, when configured, the rotating file.
func Output(path string, opts Options) (io.Writer, io.Closer, error) {
	file, err := NewRotatingWriter(path, opts)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := file.(nopWriteCloser); ok {
		return os.Stdout, file, nil
	}
	return io.MultiWriter(os.Stdout, file), file, nil
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
