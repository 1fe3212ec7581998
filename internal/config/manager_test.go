package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/job"
)

// stubParser returns one Class per call, named after the stanza file, with
// its primary contents stashed in Description for assertions; a non-empty
// overlay appends "+override" so tests can tell it was applied.
type stubParser struct {
	failOn string
}

func (p *stubParser) Parse(name, primary string, overlay []byte) (*classdef.Class, error) {
	if name == p.failOn {
		return nil, fmt.Errorf("stub parse failure for %s", name)
	}
	desc := primary
	if len(overlay) > 0 {
		desc += "+override"
	}
	return &classdef.Class{Name: name, Description: desc}, nil
}

func TestReload_InstallsJobDirClasses(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.conf"), []byte("exec web"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644))

	table := job.NewClassTable()
	m, err := New(&stubParser{}, table)
	require.NoError(t, err)
	defer m.Close()

	src := m.AddSource(dir, KindJobDir, nil)
	require.NoError(t, m.Reload(src))

	c := table.Select("web")
	require.NotNil(t, c)
	assert.Equal(t, "exec web", c.Description)
}

func TestReload_OverrideIsMergedIntoPrimary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.conf"), []byte("exec web"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.override"), []byte("respawn"), 0o644))

	table := job.NewClassTable()
	m, err := New(&stubParser{}, table)
	require.NoError(t, err)
	defer m.Close()

	src := m.AddSource(dir, KindJobDir, nil)
	require.NoError(t, m.Reload(src))

	c := table.Select("web")
	require.NotNil(t, c)
	assert.Equal(t, "exec web+override", c.Description)
}

func TestReload_RemovedFileMarksClassDeleted(t *testing.T) {
	dir := t.TempDir()
	webPath := filepath.Join(dir, "web.conf")
	require.NoError(t, os.WriteFile(webPath, []byte("exec web"), 0o644))

	table := job.NewClassTable()
	m, err := New(&stubParser{}, table)
	require.NoError(t, err)
	defer m.Close()

	src := m.AddSource(dir, KindJobDir, nil)
	require.NoError(t, m.Reload(src))
	require.NotNil(t, table.Select("web"))

	require.NoError(t, os.Remove(webPath))
	require.NoError(t, m.Reload(src))

	assert.Nil(t, table.Select("web"))
}

func TestReload_ParseErrorSkipsFileButNotSiblings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.conf"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.conf"), []byte("exec web"), 0o644))

	table := job.NewClassTable()
	m, err := New(&stubParser{failOn: "broken"}, table)
	require.NoError(t, err)
	defer m.Close()

	src := m.AddSource(dir, KindJobDir, nil)
	require.NoError(t, m.Reload(src))

	assert.Nil(t, table.Select("broken"))
	assert.NotNil(t, table.Select("web"))
}

func TestIsIgnored_SkipsDotfilesBackupsAndPackageLeftovers(t *testing.T) {
	assert.True(t, isIgnored(".hidden"))
	assert.True(t, isIgnored("web.conf~"))
	assert.True(t, isIgnored("web.conf.dpkg-old"))
	assert.True(t, isIgnored("rpmsave.web.conf"))
	assert.False(t, isIgnored("web.conf"))
}

func TestSelectJob_FiltersBySession(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.conf"), []byte("exec web"), 0o644))

	table := job.NewClassTable()
	m, err := New(&stubParser{}, table)
	require.NoError(t, err)
	defer m.Close()

	src := m.AddSource(dir, KindJobDir, nil)
	require.NoError(t, m.Reload(src))

	assert.NotNil(t, m.SelectJob("web", nil))
}
