package permset_test

import (
	"testing"

	"github.com/iotbzh/afmpkg-installer/internal/permset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestGrantReconciliation(t *testing.T) {
	s := permset.New()
	s.Request("urn:AGL:permission:fs:read")
	s.Request("urn:AGL:permission:audio:medium")
	s.Grant("urn:AGL:permission:fs:read")

	assert.True(t, s.IsRequested("urn:AGL:permission:fs:read"))
	assert.True(t, s.IsGranted("urn:AGL:permission:fs:read"))
	assert.True(t, s.IsRequested("urn:AGL:permission:audio:medium"))
	assert.False(t, s.IsGranted("urn:AGL:permission:audio:medium"))

	assert.Equal(t, []string{"urn:AGL:permission:audio:medium"}, s.Missing())
	assert.Equal(t, "urn:AGL:permission:fs:read", s.Token(','))
}

func TestGrantWithoutRequestIsTracked(t *testing.T) {
	s := permset.New()
	s.Grant("urn:AGL:permission:implicit")

	assert.False(t, s.IsRequested("urn:AGL:permission:implicit"))
	assert.True(t, s.IsGranted("urn:AGL:permission:implicit"))
	assert.Empty(t, s.Missing())
}

func TestRequestListAndGrantList(t *testing.T) {
	s := permset.New()
	s.RequestList(" perm.a , perm.b \n,,perm.c")
	s.GrantList("perm.a,perm.c")

	require.Equal(t, 3, s.Len())
	assert.ElementsMatch(t, []string{"perm.a", "perm.c"}, s.Names(permset.RequestedAndGranted))
	assert.ElementsMatch(t, []string{"perm.b"}, s.Missing())
}

func TestSelectCursor(t *testing.T) {
	s := permset.New()
	s.Request("a")
	s.Request("b")
	s.Grant("b")
	s.Grant("c")

	name, ok := s.SelectFirst(permset.RequestedAndGranted)
	require.True(t, ok)
	assert.Equal(t, "b", name)

	_, ok = s.SelectNext()
	assert.False(t, ok)
}

func TestTokenOrdersByInsertion(t *testing.T) {
	s := permset.New()
	s.Request("z")
	s.Grant("z")
	s.Request("a")
	s.Grant("a")

	assert.Equal(t, "z,a", s.Token(','))
}
