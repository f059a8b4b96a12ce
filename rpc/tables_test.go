package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdgenAllocatesSmallestFree(t *testing.T) {
	var g idgen
	a := g.alloc()
	b := g.alloc()
	c := g.alloc()
	assert.Equal(t, []uint32{0, 1, 2}, []uint32{a, b, c})

	g.release(b)
	d := g.alloc()
	assert.Equal(t, b, d, "a released id must be reused before minting a new one")

	e := g.alloc()
	assert.Equal(t, uint32(3), e)
}

func TestNewTablesStartEmpty(t *testing.T) {
	tbl := newTables()
	assert.Empty(t, tbl.questions)
	assert.Empty(t, tbl.answers)
	assert.Empty(t, tbl.exports)
	assert.Empty(t, tbl.imports)
	assert.Empty(t, tbl.embargoes)
}
