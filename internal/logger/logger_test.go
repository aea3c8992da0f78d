package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log, err := New("development", "debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1)) // debug level

	log, err = New("production", "warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(0)) // info suppressed

	_, err = New("production", "chatty")
	assert.Error(t, err)
}
