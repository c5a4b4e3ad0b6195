package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextAccessors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ctx       *Context
		wantVer   string
		wantBuilt string
	}{
		{name: "nil context", ctx: nil, wantVer: UnknownValue, wantBuilt: UnknownValue},
		{name: "empty context", ctx: &Context{}, wantVer: UnknownValue, wantBuilt: UnknownValue},
		{name: "populated", ctx: &Context{Version: "v1.4.0", BuildDate: "2026-05-01"}, wantVer: "v1.4.0", wantBuilt: "2026-05-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantVer, tt.ctx.GetVersion())
			assert.Equal(t, tt.wantBuilt, tt.ctx.GetBuildDate())
		})
	}
}

func TestContextString(t *testing.T) {
	t.Parallel()

	c := &Context{Version: "v0.3.1"}
	assert.Equal(t, "airlog v0.3.1 (built unknown)", c.String())
}

func TestCurrentImplementsBuildInfo(t *testing.T) {
	t.Parallel()

	var bi BuildInfo = Current()
	assert.NotEmpty(t, bi.GetVersion())
}
