package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uinit/uinit/internal/classdef"
)

func TestYAMLParser_ParsesUsageAndReloadSignal(t *testing.T) {
	doc := `
exec: /usr/sbin/httpd
usage: "httpd <vhost>"
reload_signal: SIGUSR1
emits: [started, stopped]
`
	c, err := YAMLParser{}.Parse("httpd", doc, nil)
	require.NoError(t, err)
	assert.Equal(t, "httpd <vhost>", c.Usage)
	assert.Equal(t, 10, c.ReloadSignal)
	assert.Equal(t, []string{"started", "stopped"}, c.Emits)
}

func TestYAMLParser_ReloadSignalDefaultsToZero(t *testing.T) {
	c, err := YAMLParser{}.Parse("web", "exec: /bin/web", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.ReloadSignal)
	assert.Equal(t, classdef.ExpectNone, c.Expect)
}

func TestYAMLParser_RejectsEmptyEmitsEntry(t *testing.T) {
	doc := `
exec: /bin/web
emits: [ready, ""]
`
	_, err := YAMLParser{}.Parse("web", doc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emits")
}

func TestYAMLParser_RejectsWhitespaceInEmitsEntry(t *testing.T) {
	doc := `
exec: /bin/web
emits: ["ready now"]
`
	_, err := YAMLParser{}.Parse("web", doc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emits")
}
