package conf

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

const osWindows = "windows"

// GetDefaultConfigPaths returns the config search path for this OS: the
// working directory, the per-user config directory and a system-wide one.
// If config.yaml exists in one of them, only that path is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	var configPaths []string
	switch runtime.GOOS {
	case osWindows:
		exePath, err := os.Executable()
		if err != nil {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategorySystem).
				Context("operation", "get-executable-path").
				Build()
		}
		configPaths = []string{
			".",
			filepath.Join(homeDir, "AppData", "Roaming", "airlog"),
			filepath.Dir(exePath),
		}
	default:
		configPaths = []string{
			".",
			filepath.Join(homeDir, ".config", "airlog"),
			"/etc/airlog",
		}
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return []string{path}, nil
		}
	}

	return configPaths, nil
}

// FindConfigFile locates config.yaml on the default search path
func FindConfigFile() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}

	for _, path := range configPaths {
		configFilePath := filepath.Join(path, "config.yaml")
		if _, err := os.Stat(configFilePath); err == nil {
			return configFilePath, nil
		}
	}

	return "", errors.Newf("config file not found").
		Component("conf").
		Category(errors.CategoryFileIO).
		Context("operation", "find-config-file").
		Build()
}

// ExpandPath expands a leading ~ and environment variables in path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}

// GetFfmpegBinaryName returns the binary name for ffmpeg based on the current OS.
func GetFfmpegBinaryName() string {
	if runtime.GOOS == osWindows {
		return "ffmpeg.exe"
	}
	return "ffmpeg"
}

// ValidateToolPath checks if a tool is available, either at an explicit path
// or in the system PATH, and returns the path to run.
func ValidateToolPath(configuredPath, toolName string) (string, error) {
	if configuredPath != "" {
		if info, err := os.Stat(configuredPath); err == nil && !info.IsDir() {
			return configuredPath, nil
		}
		GetLogger().Warn("configured tool path invalid or not found, checking system PATH",
			logger.String("configured_path", configuredPath),
			logger.String("tool", toolName))
	}

	if p, err := exec.LookPath(toolName); err == nil {
		return p, nil
	}

	if configuredPath != "" {
		return "", fmt.Errorf("tool '%s' not found at configured path '%s' or in system PATH", toolName, configuredPath)
	}
	return "", fmt.Errorf("tool '%s' not found in system PATH and no path configured", toolName)
}

// ResolveFfmpegPath returns the ffmpeg executable used for stream targets
func (s *Settings) ResolveFfmpegPath() (string, error) {
	return ValidateToolPath(s.Streaming.FFmpegPath, GetFfmpegBinaryName())
}

// StreamingEnabled reports whether any stream target is configured on
func (s *Settings) StreamingEnabled() bool {
	return s.Streaming.RTMP.Enabled || s.Streaming.Icecast.Enabled
}
