package classdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaf_NameMatch(t *testing.T) {
	n := Leaf(&Matcher{Name: "startup"})
	require.True(t, n.Evaluate(OfferedEvent{Name: "startup"}))
	require.True(t, n.Satisfied())
}

func TestLeaf_NameMismatch(t *testing.T) {
	n := Leaf(&Matcher{Name: "startup"})
	assert.False(t, n.Evaluate(OfferedEvent{Name: "shutdown"}))
	assert.False(t, n.Satisfied())
}

func TestLeaf_ArgGlob(t *testing.T) {
	n := Leaf(&Matcher{Name: "net-device-up", Args: []string{"eth*"}})
	assert.True(t, n.Evaluate(OfferedEvent{Name: "net-device-up", Args: []string{"eth0"}}))

	n2 := Leaf(&Matcher{Name: "net-device-up", Args: []string{"eth*"}})
	assert.False(t, n2.Evaluate(OfferedEvent{Name: "net-device-up", Args: []string{"wlan0"}}))
}

func TestLeaf_EnvGlob(t *testing.T) {
	n := Leaf(&Matcher{Name: "runlevel", Env: []string{"RUNLEVEL=2"}})
	assert.True(t, n.Evaluate(OfferedEvent{Name: "runlevel", Env: []string{"RUNLEVEL=2", "PREVLEVEL=1"}}))

	n2 := Leaf(&Matcher{Name: "runlevel", Env: []string{"RUNLEVEL=2"}})
	assert.False(t, n2.Evaluate(OfferedEvent{Name: "runlevel", Env: []string{"RUNLEVEL=3"}}))
}

func TestAnd_RequiresBothLeaves(t *testing.T) {
	tree := And(Leaf(&Matcher{Name: "net-device-up"}), Leaf(&Matcher{Name: "local-filesystems"}))

	assert.False(t, tree.Evaluate(OfferedEvent{Name: "net-device-up"}))
	assert.False(t, tree.Satisfied())

	assert.True(t, tree.Evaluate(OfferedEvent{Name: "local-filesystems"}))
	assert.True(t, tree.Satisfied())
}

func TestOr_EitherLeafFires(t *testing.T) {
	tree := Or(Leaf(&Matcher{Name: "starting"}), Leaf(&Matcher{Name: "started"}))
	assert.True(t, tree.Evaluate(OfferedEvent{Name: "started"}))
	assert.True(t, tree.Satisfied())
}

func TestEvaluate_IdempotentForAlreadyFiredTree(t *testing.T) {
	tree := Leaf(&Matcher{Name: "go"})
	first := tree.Evaluate(OfferedEvent{Name: "go"})
	require.True(t, first)

	wasFired := tree.Satisfied()
	second := tree.Evaluate(OfferedEvent{Name: "go"})
	require.True(t, wasFired)
	require.True(t, second)
}

func TestReset_ClearsAllLeaves(t *testing.T) {
	tree := And(Leaf(&Matcher{Name: "a"}), Leaf(&Matcher{Name: "b"}))
	tree.Evaluate(OfferedEvent{Name: "a"})
	tree.Evaluate(OfferedEvent{Name: "b"})
	require.True(t, tree.Satisfied())

	tree.Reset()
	assert.False(t, tree.Satisfied())
}

func TestContributingEvents_OnlyCollectsMatchedLeaves(t *testing.T) {
	tree := Or(Leaf(&Matcher{Name: "a"}), Leaf(&Matcher{Name: "b"}))
	tree.Evaluate(OfferedEvent{Name: "a", Env: []string{"X=1"}})

	contrib := tree.ContributingEvents()
	require.Len(t, contrib, 1)
	assert.Equal(t, "a", contrib[0].Name)
}

func TestClone_IndependentMatchState(t *testing.T) {
	orig := Leaf(&Matcher{Name: "go"})
	orig.Evaluate(OfferedEvent{Name: "go"})

	clone := orig.Clone()
	assert.False(t, clone.Satisfied())
	assert.True(t, orig.Satisfied())
}

func TestGlobMatch_Wildcard(t *testing.T) {
	assert.True(t, globMatch("eth*", "eth0"))
	assert.True(t, globMatch("*", "anything"))
	assert.False(t, globMatch("eth?", "eth12"))
	assert.True(t, globMatch("exact", "exact"))
	assert.False(t, globMatch("exact", "other"))
}
