package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokenClientFailsEveryCall(t *testing.T) {
	c := NewBrokenClient(Overloadedf("peer is busy"))

	for i := 0; i < 3; i++ {
		ans, pl := c.SendCall(&Call{Method: Method{InterfaceID: 1, MethodID: uint16(i)}})
		require.NotNil(t, pl)
		_, err := ans.Payload()
		require.Error(t, err)
		assert.Equal(t, Overloaded, KindOf(err))
	}
}

func TestNewBrokenClientDefaultsError(t *testing.T) {
	c := NewBrokenClient(nil)
	ans, _ := c.SendCall(&Call{})
	_, err := ans.Payload()
	require.Error(t, err)
}
