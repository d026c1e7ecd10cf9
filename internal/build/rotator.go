package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

const (
	// DefaultMaxLogFiles is how many rotated files are kept.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the rotation threshold in megabytes.
	DefaultMaxLogFileSize = 20

	// DefaultLogFilename is the active log file name.
	DefaultLogFilename = "pulsed.log"
)

// FileRotatorConfig configures the rotating log file.
type FileRotatorConfig struct {
	// LogDir is the directory log files are written to.
	LogDir string

	// MaxLogFiles is the rotated-file retention count. Zero selects
	// DefaultMaxLogFiles.
	MaxLogFiles int

	// MaxLogFileSize is the rotation threshold in megabytes. Zero
	// selects DefaultMaxLogFileSize.
	MaxLogFileSize int

	// Filename overrides DefaultLogFilename when non-empty.
	Filename string
}

// FileRotator is an io.Writer that feeds a size-rotated, gzip-compressed
// log file through a pipe to the rotator goroutine.
type FileRotator struct {
	pipe *io.PipeWriter
	rot  *rotator.Rotator
}

// NewFileRotator creates the log directory, opens the rotator, and starts
// its goroutine.
func NewFileRotator(cfg FileRotatorConfig) (*FileRotator, error) {
	if cfg.MaxLogFiles == 0 {
		cfg.MaxLogFiles = DefaultMaxLogFiles
	}
	if cfg.MaxLogFileSize == 0 {
		cfg.MaxLogFileSize = DefaultMaxLogFileSize
	}
	if cfg.Filename == "" {
		cfg.Filename = DefaultLogFilename
	}

	logFile := filepath.Join(cfg.LogDir, cfg.Filename)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// The rotator takes its threshold in kilobytes.
	rot, err := rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false,
		cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("create file rotator: %w", err)
	}

	rot.SetCompressor(gzip.NewWriter(nil), ".gz")

	pr, pw := io.Pipe()
	go func() {
		// Errors land on stderr since the rotator is itself the log
		// destination.
		if err := rot.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr,
				"file rotator stopped: %v\n", err)
		}
	}()

	return &FileRotator{
		pipe: pw,
		rot:  rot,
	}, nil
}

// Write feeds the rotator pipe.
func (f *FileRotator) Write(b []byte) (int, error) {
	return f.pipe.Write(b)
}

// Close closes the pipe, signalling the rotator goroutine to flush and
// exit.
func (f *FileRotator) Close() error {
	return f.pipe.Close()
}
