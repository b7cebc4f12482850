package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternIdempotent(t *testing.T) {
	in := NewInterner()

	a := in.Intern("example.com")
	b := in.Intern("example.com")
	c := in.Intern("other.com")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, in.Len())
	assert.Equal(t, "example.com", in.Get(a))
	assert.Equal(t, "other.com", in.Get(c))
}

func TestInternSurvivesArenaGrowth(t *testing.T) {
	in := NewInterner()

	ids := make([]StringID, 0, 1000)
	for i := 0; i < 1000; i++ {
		ids = append(ids, in.Intern(fmt.Sprintf("host-%d.example.com", i)))
	}
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("host-%d.example.com", i), in.Get(id))
	}
	assert.Equal(t, 1000, in.Len())
}

func TestInternGetInvalidHandles(t *testing.T) {
	in := NewInterner()
	in.Intern("example.com")

	assert.Equal(t, "", in.Get(NoString))
	assert.Equal(t, "", in.Get(99))
}

func TestInternEmptyString(t *testing.T) {
	in := NewInterner()
	id := in.Intern("")
	assert.Equal(t, "", in.Get(id))
	assert.Equal(t, id, in.Intern(""))
}

func TestInternReset(t *testing.T) {
	in := NewInterner()
	in.Intern("example.com")
	in.Reset()

	assert.Equal(t, 0, in.Len())
	id := in.Intern("other.com")
	assert.Equal(t, StringID(0), id, "handles restart after a reset")
	assert.Equal(t, "other.com", in.Get(id))
}
