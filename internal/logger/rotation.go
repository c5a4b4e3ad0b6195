package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogDirPermissions is the mode used when creating log directories
const LogDirPermissions = 0o750

// newRotatingWriter opens a size-rotated log file. Rotation is handed to
// lumberjack; MaxSize 0 means lumberjack's own 100 MB default.
func newRotatingWriter(cfg *FileOutput) (*lumberjack.Logger, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}

	if err := ensureFileDirectory(cfg.Path); err != nil {
		return nil, err
	}

	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxRotatedFiles,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

// ensureFileDirectory creates the directory for a file path if it doesn't exist
func ensureFileDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "." || dir == filePath {
		return nil
	}

	if err := os.MkdirAll(dir, LogDirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return nil
}
