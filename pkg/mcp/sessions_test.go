package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("finance-manager", "session-abc")
	sid, ok := r.SessionFor("finance-manager")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("finance-manager", "session-old")
	r.Register("finance-manager", "session-new")

	sid, ok := r.SessionFor("finance-manager")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_IgnoresEmptyKeys(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("", "session-1")
	r.Register("accountant", "")
	assert.Zero(t, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("accountant", "session-abc")
	r.Register("finance-manager", "session-abc")
	r.Register("owner", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("accountant")
	assert.False(t, ok, "accountant should be removed")

	_, ok = r.SessionFor("finance-manager")
	assert.False(t, ok, "finance-manager should be removed")

	sid, ok := r.SessionFor("owner")
	assert.True(t, ok, "owner should still exist")
	assert.Equal(t, "session-xyz", sid)
	assert.Equal(t, 1, r.Len())
}
