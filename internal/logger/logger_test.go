package logger

import (
	"path/filepath"
	"testing"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l, err := New(config.LoggingConfig{Level: "debug", Format: "json", OutputPath: filepath.Join(t.TempDir(), "logs", "app.log")})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	l, err := Init(config.LoggingConfig{Level: "info"})
	require.NoError(t, err)
	assert.Same(t, l, L())
}
