package malgo

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/airlog/airlog/internal/audiocore"
)

var backendNames = map[string]malgo.Backend{
	"alsa":       malgo.BackendAlsa,
	"pulseaudio": malgo.BackendPulseaudio,
	"pulse":      malgo.BackendPulseaudio,
	"jack":       malgo.BackendJack,
	"oss":        malgo.BackendOss,
	"wasapi":     malgo.BackendWasapi,
	"dsound":     malgo.BackendDsound,
	"winmm":      malgo.BackendWinmm,
	"coreaudio":  malgo.BackendCoreaudio,
	"sndio":      malgo.BackendSndio,
	"null":       malgo.BackendNull,
}

// parseBackend maps a configured backend name to a miniaudio backend. An
// empty name picks the platform default.
func parseBackend(name string) (malgo.Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return platformBackend(), nil
	}
	if b, ok := backendNames[name]; ok {
		return b, nil
	}
	return malgo.BackendNull, fmt.Errorf("unknown audio backend %q", name)
}

func platformBackend() malgo.Backend {
	switch runtime.GOOS {
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendAlsa
	}
}

func backendName(b malgo.Backend) string {
	for name, v := range backendNames {
		if v == b && name != "pulse" {
			return name
		}
	}
	return fmt.Sprintf("backend(%d)", b)
}

// ListDevices returns the capture devices of backend, skipping the
// miniaudio discard device.
func ListDevices(backend string) ([]audiocore.DeviceInfo, error) {
	b, err := parseBackend(backend)
	if err != nil {
		return nil, deviceError(err, "select_backend").Build()
	}

	ctx, err := malgo.InitContext([]malgo.Backend{b}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, deviceError(err, "init_context").Context("backend", backendName(b)).Build()
	}
	defer freeContext(ctx)

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, deviceError(err, "enumerate_devices").Build()
	}

	all := describeDevices(infos)
	devices := make([]audiocore.DeviceInfo, 0, len(all))
	for _, d := range all {
		if strings.Contains(d.Name, "Discard all samples") {
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func describeDevices(infos []malgo.DeviceInfo) []audiocore.DeviceInfo {
	devices := make([]audiocore.DeviceInfo, 0, len(infos))
	for i := range infos {
		id, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			id = infos[i].ID.String()
		}
		devices = append(devices, audiocore.DeviceInfo{
			Index:     i,
			Name:      infos[i].Name(),
			ID:        strings.TrimRight(id, "\x00"),
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return devices
}

// selectDevice returns the position in devices of the device to open. A
// non-negative index wins; otherwise name is matched exactly, then against
// the decoded ID, then as a substring. An empty name selects the system
// default device, or the first one if none is flagged.
func selectDevice(devices []audiocore.DeviceInfo, index int, name string) (int, error) {
	if len(devices) == 0 {
		return 0, fmt.Errorf("no capture devices found")
	}

	if index >= 0 {
		for i := range devices {
			if devices[i].Index == index {
				return i, nil
			}
		}
		return 0, fmt.Errorf("device index %d out of range (%d devices)", index, len(devices))
	}

	if name == "" || name == "default" || name == "sysdefault" {
		for i := range devices {
			if devices[i].IsDefault {
				return i, nil
			}
		}
		return 0, nil
	}

	for i := range devices {
		if devices[i].Name == name {
			return i, nil
		}
	}
	for i := range devices {
		if devices[i].ID == name {
			return i, nil
		}
	}
	lower := strings.ToLower(name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), lower) {
			return i, nil
		}
	}

	return 0, fmt.Errorf("no capture device matches %q", name)
}

// hexToASCII converts a hexadecimal string to an ASCII string
func hexToASCII(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
