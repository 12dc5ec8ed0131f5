package kerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrOutOfMemory, "kernel stack")
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, "kernel stack: out of memory", err.Error())

	err = Wrapf(ErrNotMapped, "page %#x", 0x400000)
	assert.True(t, errors.Is(err, ErrNotMapped))
	assert.Equal(t, "page 0x400000: page not mapped", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}
