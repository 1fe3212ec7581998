package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_SeedsNullSession(t *testing.T) {
	r := NewRegistry("/etc/init")
	assert.True(t, r.Null().IsNull())
	assert.Equal(t, "/etc/init", r.Null().ConfPath)

	s, ok := r.Get(Key{})
	require.True(t, ok)
	assert.Same(t, r.Null(), s)
}

func TestGetOrCreate_ReturnsSameSessionOnSecondCall(t *testing.T) {
	r := NewRegistry("/etc/init")
	first := r.GetOrCreate("/srv/chroot", 1000, "/srv/chroot/etc/init")
	second := r.GetOrCreate("/srv/chroot", 1000, "ignored")
	assert.Same(t, first, second)
	assert.Equal(t, "/srv/chroot/etc/init", second.ConfPath)
}

func TestList_IncludesNullAndCreated(t *testing.T) {
	r := NewRegistry("/etc/init")
	r.GetOrCreate("/srv/chroot", 1000, "/conf")
	assert.Len(t, r.List(), 2)
}

func TestResolve_UnknownKeyErrors(t *testing.T) {
	r := NewRegistry("/etc/init")
	_, err := r.Resolve(Key{Chroot: "/nope", UID: 5})
	assert.Error(t, err)
}

func TestResolve_KnownKeySucceeds(t *testing.T) {
	r := NewRegistry("/etc/init")
	r.GetOrCreate("/srv/chroot", 1000, "/conf")
	s, err := r.Resolve(Key{Chroot: "/srv/chroot", UID: 1000})
	require.NoError(t, err)
	assert.Equal(t, "/conf", s.ConfPath)
}
