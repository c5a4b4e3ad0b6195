// Package replication copies finalized chunks to an off-site FTP or SFTP
// server. Uploads run on one worker behind a bounded queue so a slow or
// unreachable server never backs up the event bus.
package replication

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/errors"
)

// Defaults for uploaders
const (
	DefaultFTPPort      = 21
	DefaultSSHPort      = 22
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second

	tempPrefix = ".airlog-upload-"
)

// Uploader stores one local file at a remote path
type Uploader interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// ServerConfig is the connection configuration shared by FTP and SFTP
type ServerConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	KeyFile    string
	KnownHosts string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

func (c *ServerConfig) setDefaults(port int) {
	if c.Port == 0 {
		c.Port = port
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultRetryBackoff
	}
}

// NewUploader returns the uploader selected by the replication settings
func NewUploader(s conf.ReplicationSettings) (Uploader, error) {
	cfg := ServerConfig{
		Host:       s.Host,
		Port:       s.Port,
		Username:   s.Username,
		Password:   s.Password,
		KeyFile:    s.KeyFile,
		KnownHosts: s.KnownHosts,
		Timeout:    s.Timeout,
	}
	switch s.Type {
	case "ftp":
		return NewFTPUploader(cfg)
	case "sftp", "":
		return NewSFTPUploader(cfg)
	default:
		return nil, errors.Newf("unsupported replication type %q", s.Type).
			Component(ComponentReplication).
			Category(errors.CategoryConfig).
			Build()
	}
}

// transientPatterns mark errors worth another attempt
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"connection closed",
	"timeout",
	"temporary",
	"broken pipe",
	"no route to host",
	"EOF",
	"ssh: handshake failed",
	"resource temporarily unavailable",
}

// IsTransientError reports whether err is likely to clear on retry
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if os.IsTimeout(err) {
		return true
	}
	msg := err.Error()
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// sleepCtx waits d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uploadError(err error, uploader, op, remote string) error {
	return errors.New(err).
		Component(ComponentReplication).
		Category(errors.CategoryNetwork).
		Context("uploader", uploader).
		Context("operation", op).
		Context("remote_path", remote).
		Build()
}
