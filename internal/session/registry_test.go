package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Add("a"), "first add is new")
	assert.False(t, r.Add("a"), "duplicate add is not")
	assert.True(t, r.Has("a"))
	assert.Equal(t, 1, r.Len(), "set semantics: duplicates collapse")

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"), "removing an absent id reports false")
	assert.False(t, r.Has("a"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Add("charlie")
	r.Add("alpha")
	r.Add("bravo")

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, r.List())
}

func TestRegistryListSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add("a")

	list := r.List()
	r.Add("b")

	assert.Equal(t, []string{"a"}, list, "List returns a snapshot, not a live view")
}
