package econn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPropsSetUpdatesInPlace(t *testing.T) {
	p := NewProps()
	p.Set("a", "1")
	p.Set("b", "2")
	p.Set("a", "3")

	assert.Equal(t, []string{"a", "b"}, p.Keys())
	v, ok := p.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestPropsGetMissing(t *testing.T) {
	p := NewProps()
	_, ok := p.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, "def", p.GetOr("nope", "def"))
}

func TestPropsEqualIgnoresOrder(t *testing.T) {
	a := NewProps()
	a.Set("x", "1")
	a.Set("y", "2")

	b := NewProps()
	b.Set("y", "2")
	b.Set("x", "1")

	assert.True(t, a.Equal(b))
}

func TestPropsCloneIsIndependent(t *testing.T) {
	a := NewProps()
	a.Set("x", "1")

	b := a.Clone()
	b.Set("x", "2")
	b.Set("y", "3")

	v, _ := a.Get("x")
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestNilPropsSafe(t *testing.T) {
	var p *Props
	assert.Equal(t, 0, p.Len())
	_, ok := p.Get("a")
	assert.False(t, ok)
	assert.Nil(t, p.Keys())
}
