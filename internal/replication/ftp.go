package replication

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

// FTPUploader uploads chunks over FTP, reusing one control connection
type FTPUploader struct {
	cfg  ServerConfig
	log  logger.Logger
	mu   sync.Mutex
	conn *ftp.ServerConn
}

// NewFTPUploader validates cfg and returns an unconnected uploader
func NewFTPUploader(cfg ServerConfig) (*FTPUploader, error) {
	if cfg.Host == "" {
		return nil, errors.Newf("ftp: host is required").
			Component(ComponentReplication).
			Category(errors.CategoryConfig).
			Build()
	}
	cfg.setDefaults(DefaultFTPPort)
	return &FTPUploader{
		cfg: cfg,
		log: GetLogger().With(logger.String("uploader", "ftp"), logger.String("host", cfg.Host)),
	}, nil
}

// Name implements Uploader
func (u *FTPUploader) Name() string { return "ftp" }

// Upload stores localPath at remotePath through a temporary name and a
// rename so readers never see a partial file
func (u *FTPUploader) Upload(ctx context.Context, localPath, remotePath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var lastErr error
	for attempt := range u.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return uploadError(err, "ftp", "upload", remotePath)
		}

		conn, err := u.connection(ctx)
		if err == nil {
			if err = u.store(conn, localPath, remotePath); err == nil {
				return nil
			}
			u.dropConnection()
		}

		lastErr = err
		if !IsTransientError(err) {
			break
		}
		u.log.Debug("retrying ftp upload",
			logger.Error(err),
			logger.Int("attempt", attempt+1),
			logger.Int("max_retries", u.cfg.MaxRetries))
		if err := sleepCtx(ctx, u.cfg.Backoff*time.Duration(attempt+1)); err != nil {
			return uploadError(err, "ftp", "upload", remotePath)
		}
	}
	return uploadError(lastErr, "ftp", "upload", remotePath)
}

func (u *FTPUploader) store(conn *ftp.ServerConn, localPath, remotePath string) error {
	if err := makeDirs(conn, path.Dir(remotePath)); err != nil {
		return err
	}

	f, err := os.Open(localPath) //nolint:gosec // G304 - path comes from the chunk writer
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	tmp := path.Join(path.Dir(remotePath), fmt.Sprintf("%s%d-%s", tempPrefix, time.Now().UnixNano(), path.Base(remotePath)))
	if err := conn.Stor(tmp, f); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("ftp: store %s: %w", tmp, err)
	}
	if err := conn.Rename(tmp, remotePath); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("ftp: rename to %s: %w", remotePath, err)
	}
	return nil
}

// makeDirs creates dir and its parents. Servers answer 550 for a directory
// that already exists.
func makeDirs(conn *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur = path.Join(cur, part)
		if err := conn.MakeDir(cur); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "exists") || strings.Contains(msg, "550") {
				continue
			}
			return fmt.Errorf("ftp: create directory %s: %w", cur, err)
		}
	}
	return nil
}

func (u *FTPUploader) connection(ctx context.Context) (*ftp.ServerConn, error) {
	if u.conn != nil {
		if u.conn.NoOp() == nil {
			return u.conn, nil
		}
		u.dropConnection()
	}

	addr := fmt.Sprintf("%s:%d", u.cfg.Host, u.cfg.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(u.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp: connect %s: %w", addr, err)
	}
	if u.cfg.Username != "" {
		if err := conn.Login(u.cfg.Username, u.cfg.Password); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("ftp: login failed: %w", err)
		}
	}
	u.conn = conn
	u.log.Debug("ftp connection established")
	return conn, nil
}

func (u *FTPUploader) dropConnection() {
	if u.conn != nil {
		_ = u.conn.Quit()
		u.conn = nil
	}
}

// Close implements Uploader
func (u *FTPUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dropConnection()
	return nil
}
