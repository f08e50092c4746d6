package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// GlobalWriter is the global log writer.
var GlobalWriter *LogWriter

// LogWriter writes log output to stdout or to a log file.
type LogWriter struct {
	writeLock sync.Mutex
	isStdout  bool
	file      *os.File
}

// NewStdoutWriter creates a new log writer that will write to the stdout.
func NewStdoutWriter() *LogWriter {
	return &LogWriter{
		file:     os.Stdout,
		isStdout: true,
	}
}

// NewFileWriter creates a new log writer that will write to a file.
// The file path will be <dir>/2006-01-02-15-04-05.log (with current date and time).
func NewFileWriter(dir string) (*LogWriter, error) {
	if dir == "" {
		return nil, errors.New("no log directory configured")
	}
	if err := os.MkdirAll(dir, 0o0755); err != nil {
		return nil, err
	}
	logFile := fmt.Sprintf("%s.log", time.Now().UTC().Format("2006-01-02-15-04-05"))
	file, err := os.Create(filepath.Join(dir, logFile))
	if err != nil {
		return nil, err
	}
	return &LogWriter{
		file: file,
	}, nil
}

// Write writes the buffer to the writer.
func (l *LogWriter) Write(buf []byte) (int, error) {
	if l == nil {
		return 0, errors.New("log writer not initialized")
	}
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	return l.file.Write(buf)
}

// IsStdout returns true if writer was initialized with stdout.
func (l *LogWriter) IsStdout() bool {
	return l != nil && l.isStdout
}

// IsTerminal returns whether the writer outputs to a terminal.
func (l *LogWriter) IsTerminal() bool {
	if !l.IsStdout() {
		return false
	}
	fd := l.file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Close closes the writer.
func (l *LogWriter) Close() {
	if l != nil && !l.isStdout {
		_ = l.file.Close()
	}
}

// CleanOldLogs deletes all log files in the given directory that are older
// than the given threshold.
func CleanOldLogs(dir string, threshold time.Duration) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	deleteOlderThan := time.Now().Add(-threshold)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.ModTime().Before(deleteOlderThan) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
