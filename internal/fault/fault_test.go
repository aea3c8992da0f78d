package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeValidation, CodeOf(New(CodeValidation, "bad input")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	// The code survives wrapping with %w.
	err := fmt.Errorf("outer: %w", Newf(CodeRateLimited, "%d in flight", 3))
	assert.Equal(t, CodeRateLimited, CodeOf(err))
}

func TestWrapUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	err := Wrap(CodeInternal, "saving", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "saving")
	assert.Contains(t, err.Error(), "disk full")
}

func TestIs(t *testing.T) {
	err := New(CodeForbidden, "nope")
	assert.True(t, Is(err, CodeForbidden))
	assert.False(t, Is(err, CodeValidation))
	assert.False(t, Is(nil, CodeInternal))
}
