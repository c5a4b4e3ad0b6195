package streaming

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/airlog/airlog/internal/audiocore"
)

const (
	defaultBitrateKbps = 128
	icecastSourceUser  = "source"
)

// Kind is a stream target protocol
type Kind string

const (
	KindRTMP    Kind = "rtmp"
	KindIcecast Kind = "icecast"
)

// Kinds lists the supported target kinds
var Kinds = []Kind{KindRTMP, KindIcecast}

// ParseKind parses a target kind name
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindRTMP:
		return KindRTMP, nil
	case KindIcecast:
		return KindIcecast, nil
	default:
		return "", fmt.Errorf("unknown stream target %q, expected rtmp or icecast", s)
	}
}

// TargetConfig describes where a target publishes to. RTMP targets use URL;
// Icecast targets use Host, Port, Mount and Password.
type TargetConfig struct {
	URL         string
	Host        string
	Port        int
	Mount       string
	Password    string
	BitrateKbps int
}

func (c TargetConfig) validate(kind Kind) error {
	switch kind {
	case KindRTMP:
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("invalid rtmp url: %w", err)
		}
		if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
			return fmt.Errorf("rtmp url must use rtmp:// or rtmps://, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("rtmp url has no host")
		}
	case KindIcecast:
		if c.Host == "" {
			return fmt.Errorf("icecast host is empty")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("icecast port %d out of range", c.Port)
		}
		if !strings.HasPrefix(c.Mount, "/") {
			return fmt.Errorf("icecast mount %q must start with /", c.Mount)
		}
		if c.Password == "" {
			return fmt.Errorf("icecast source password is empty")
		}
	default:
		return fmt.Errorf("unknown stream target %q", kind)
	}
	return nil
}

// Destination returns the ffmpeg output URL of the target
func (c TargetConfig) Destination(kind Kind) string {
	if kind == KindIcecast {
		u := url.URL{
			Scheme: "icecast",
			User:   url.UserPassword(icecastSourceUser, c.Password),
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			Path:   c.Mount,
		}
		return u.String()
	}
	return c.URL
}

// BuildArgs returns the ffmpeg arguments that read raw PCM in format f from
// stdin and publish it to the target
func BuildArgs(kind Kind, cfg TargetConfig, f audiocore.Format) []string {
	bitrate := cfg.BitrateKbps
	if bitrate <= 0 {
		bitrate = defaultBitrateKbps
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", f.SampleFormat.FFmpegFormat(),
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	}

	switch kind {
	case KindRTMP:
		args = append(args,
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", bitrate),
			"-f", "flv",
			cfg.Destination(kind))
	case KindIcecast:
		args = append(args,
			"-c:a", "libmp3lame",
			"-b:a", fmt.Sprintf("%dk", bitrate),
			"-content_type", "audio/mpeg",
			"-f", "mp3",
			cfg.Destination(kind))
	}
	return args
}
