package classdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcess_ReturnsNilForAbsentSlot(t *testing.T) {
	c := &Class{}
	assert.Nil(t, c.Process(PreStart))
}

func TestProcess_ReturnsDefinedSlot(t *testing.T) {
	c := &Class{}
	c.Processes[Main] = &Process{Kind: Main, Command: "/bin/true"}
	assert.Equal(t, "/bin/true", c.Process(Main).Command)
}

func TestSingleInstance_EmptyTemplate(t *testing.T) {
	c := &Class{}
	assert.True(t, c.SingleInstance())
	c.InstanceTemplate = "$NAME"
	assert.False(t, c.SingleInstance())
}

func TestMarkDeleted_SetsDeleted(t *testing.T) {
	c := &Class{}
	assert.False(t, c.Deleted())
	c.MarkDeleted()
	assert.True(t, c.Deleted())
}

func TestIsNormalExit_MatchesStatusAndSignalFlag(t *testing.T) {
	c := &Class{NormalExit: []NormalExit{{Status: 0}, {Status: 2, Signal: false}, {Status: 15, Signal: true}}}

	assert.True(t, c.IsNormalExit(0, false))
	assert.True(t, c.IsNormalExit(2, false))
	assert.True(t, c.IsNormalExit(15, true))
	assert.False(t, c.IsNormalExit(15, false))
	assert.False(t, c.IsNormalExit(99, false))
}
