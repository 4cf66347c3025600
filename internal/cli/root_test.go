package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := GetRootCmd()
	require.NotNil(t, cmd)
	assert.Equal(t, "drover", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["start"])
	assert.True(t, names["status"])
	assert.True(t, names["stop"])
}

func TestVersion(t *testing.T) {
	assert.Equal(t, version, GetVersion())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5s", "5s"},
		{"2m10s", "2m10s"},
		{"1h2m3s", "1h2m3s"},
	}
	for _, tt := range tests {
		d, err := time.ParseDuration(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, formatDuration(d))
	}
}
