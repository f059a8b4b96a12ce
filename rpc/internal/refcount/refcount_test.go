package refcount_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capnp-go/rpc-core/rpc/internal/refcount"
)

func TestBoxReleasesOnce(t *testing.T) {
	var released int
	b := refcount.New(func() { released++ })
	b2 := b.Ref()
	assert.Equal(t, int32(2), b.Count())

	assert.False(t, b.Release())
	assert.Equal(t, 0, released)

	assert.True(t, b2.Release())
	assert.Equal(t, 1, released)

	// Once the last holder has released, the count reads zero.
	assert.Equal(t, int32(0), b.Count())
}

func TestBoxNilRelease(t *testing.T) {
	b := refcount.New(nil)
	assert.True(t, b.Release())
}
