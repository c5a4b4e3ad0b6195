package replication

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

// SFTPUploader uploads chunks over SFTP, reusing one SSH connection
type SFTPUploader struct {
	cfg    ServerConfig
	log    logger.Logger
	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
}

// NewSFTPUploader validates cfg and returns an unconnected uploader
func NewSFTPUploader(cfg ServerConfig) (*SFTPUploader, error) {
	if cfg.Host == "" {
		return nil, errors.Newf("sftp: host is required").
			Component(ComponentReplication).
			Category(errors.CategoryConfig).
			Build()
	}
	if cfg.KeyFile == "" && cfg.Password == "" {
		return nil, errors.Newf("sftp: no authentication method provided").
			Component(ComponentReplication).
			Category(errors.CategoryConfig).
			Build()
	}
	cfg.setDefaults(DefaultSSHPort)
	return &SFTPUploader{
		cfg: cfg,
		log: GetLogger().With(logger.String("uploader", "sftp"), logger.String("host", cfg.Host)),
	}, nil
}

// Name implements Uploader
func (u *SFTPUploader) Name() string { return "sftp" }

// Upload writes localPath to a temporary remote name and renames it into
// place
func (u *SFTPUploader) Upload(ctx context.Context, localPath, remotePath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var lastErr error
	for attempt := range u.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return uploadError(err, "sftp", "upload", remotePath)
		}

		client, err := u.connection(ctx)
		if err == nil {
			if err = u.store(client, localPath, remotePath); err == nil {
				return nil
			}
			u.dropConnection()
		}

		lastErr = err
		if !IsTransientError(err) {
			break
		}
		u.log.Debug("retrying sftp upload",
			logger.Error(err),
			logger.Int("attempt", attempt+1),
			logger.Int("max_retries", u.cfg.MaxRetries))
		if err := sleepCtx(ctx, u.cfg.Backoff*time.Duration(attempt+1)); err != nil {
			return uploadError(err, "sftp", "upload", remotePath)
		}
	}
	return uploadError(lastErr, "sftp", "upload", remotePath)
}

func (u *SFTPUploader) store(client *sftp.Client, localPath, remotePath string) error {
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("sftp: create directory %s: %w", path.Dir(remotePath), err)
	}

	src, err := os.Open(localPath) //nolint:gosec // G304 - path comes from the chunk writer
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	tmp := path.Join(path.Dir(remotePath), tempPrefix+path.Base(remotePath))
	dst, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("sftp: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("sftp: write %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("sftp: close %s: %w", tmp, err)
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		_ = client.Remove(remotePath)
		if err := client.Rename(tmp, remotePath); err != nil {
			_ = client.Remove(tmp)
			return fmt.Errorf("sftp: rename to %s: %w", remotePath, err)
		}
	}
	return nil
}

func (u *SFTPUploader) clientConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:    u.cfg.Username,
		Timeout: u.cfg.Timeout,
	}

	if u.cfg.KnownHosts != "" {
		cb, err := knownhosts.New(u.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("sftp: load known_hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	} else {
		u.log.Warn("sftp host key not verified, set replication.known_hosts")
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via missing known_hosts
	}

	if u.cfg.KeyFile != "" {
		key, err := os.ReadFile(u.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: parse private key: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if u.cfg.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(u.cfg.Password))
	}
	return cfg, nil
}

func (u *SFTPUploader) connection(ctx context.Context) (*sftp.Client, error) {
	if u.client != nil {
		if _, err := u.client.Getwd(); err == nil {
			return u.client, nil
		}
		u.dropConnection()
	}

	cfg, err := u.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(u.cfg.Host, strconv.Itoa(u.cfg.Port))
	dialer := net.Dialer{Timeout: u.cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftp: connect %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("sftp: ssh: %w", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("sftp: failed to create client: %w", err)
	}
	u.ssh, u.client = sshClient, client
	u.log.Debug("sftp connection established")
	return client, nil
}

func (u *SFTPUploader) dropConnection() {
	if u.client != nil {
		_ = u.client.Close()
		u.client = nil
	}
	if u.ssh != nil {
		_ = u.ssh.Close()
		u.ssh = nil
	}
}

// Close implements Uploader
func (u *SFTPUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dropConnection()
	return nil
}
