package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// InitLoggers points the standard logrus logger at stdout and the log file.
// The returned closer closes the log file.
func InitLoggers(logPath string, debug bool) (io.Closer, error) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if logPath == "" {
		log.SetOutput(os.Stdout)
		return noopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Startup marker separates runs in the appended file
	fmt.Fprintf(f, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339))

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
