package malgo

import (
	"testing"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlog/airlog/internal/audiocore"
)

func TestSelectDevice(t *testing.T) {
	t.Parallel()

	devices := []audiocore.DeviceInfo{
		{Index: 0, Name: "Built-in Microphone", ID: ":0,0"},
		{Index: 1, Name: "USB Audio CODEC", ID: ":1,0", IsDefault: true},
		{Index: 2, Name: "Loopback", ID: ":2,0"},
	}

	tests := []struct {
		name    string
		index   int
		match   string
		want    int
		wantErr bool
	}{
		{name: "default flagged", index: -1, match: "", want: 1},
		{name: "sysdefault alias", index: -1, match: "sysdefault", want: 1},
		{name: "by index", index: 2, want: 2},
		{name: "index out of range", index: 7, wantErr: true},
		{name: "exact name", index: -1, match: "Loopback", want: 2},
		{name: "decoded id", index: -1, match: ":0,0", want: 0},
		{name: "substring any case", index: -1, match: "usb", want: 1},
		{name: "no match", index: -1, match: "Focusrite", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := selectDevice(devices, tt.index, tt.match)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectDeviceWithoutDefaultFlag(t *testing.T) {
	t.Parallel()

	got, err := selectDevice([]audiocore.DeviceInfo{{Index: 0, Name: "a"}, {Index: 1, Name: "b"}}, -1, "")
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	_, err = selectDevice(nil, -1, "")
	require.Error(t, err)
}

func TestParseBackend(t *testing.T) {
	t.Parallel()

	b, err := parseBackend("PulseAudio")
	require.NoError(t, err)
	assert.Equal(t, malgo.BackendPulseaudio, b)
	assert.Equal(t, "pulseaudio", backendName(b))

	b, err = parseBackend("")
	require.NoError(t, err)
	assert.Equal(t, platformBackend(), b)

	_, err = parseBackend("asio")
	require.Error(t, err)
}

func TestMalgoFormat(t *testing.T) {
	t.Parallel()

	f, err := malgoFormat(audiocore.SampleFormatS24)
	require.NoError(t, err)
	assert.Equal(t, malgo.FormatS24, f)

	_, err = malgoFormat("u8")
	require.Error(t, err)
}

func TestHexToASCII(t *testing.T) {
	t.Parallel()

	s, err := hexToASCII("3a302c30")
	require.NoError(t, err)
	assert.Equal(t, ":0,0", s)

	_, err = hexToASCII("zz")
	require.Error(t, err)
}
