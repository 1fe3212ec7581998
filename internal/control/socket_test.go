package control

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/job"
)

type fakeCore struct {
	classes      []ClassInfo
	startErr     error
	stopErr      error
	reloadErr    error
	reloadedPath string

	restartedInstance string
	reloadedInstance  string
}

func (f *fakeCore) ListClasses() []ClassInfo { return f.classes }
func (f *fakeCore) FindClass(name string) (*ClassInfo, error) {
	for _, c := range f.classes {
		if c.Name == name {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("unknown class %q", name)
}
func (f *fakeCore) StartInstance(className, instanceName string) (*job.Job, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return job.New(instanceName, &classdef.Class{Name: className}), nil
}
func (f *fakeCore) StopInstance(className, instanceName string) error { return f.stopErr }
func (f *fakeCore) RestartInstance(className, instanceName string) error {
	f.restartedInstance = className + "/" + instanceName
	return nil
}
func (f *fakeCore) ReloadInstance(className, instanceName string) error {
	f.reloadedInstance = className + "/" + instanceName
	return nil
}
func (f *fakeCore) EmitEvent(name string, args, env []string, wait bool) (EventHandle, error) {
	return nil, nil
}
func (f *fakeCore) Subscribe(scope Scope) (Subscription, error) { return nil, nil }
func (f *fakeCore) ReloadConfig(sourcePath string) error {
	f.reloadedPath = sourcePath
	return f.reloadErr
}
func (f *fakeCore) RequestReexec() error { return nil }

func TestDispatch_ListClasses(t *testing.T) {
	core := &fakeCore{classes: []ClassInfo{{Name: "web"}}}
	s := &Server{core: core}

	resp := s.dispatch(Request{Method: "list_classes"})
	assert.Empty(t, resp.Error)
	assert.Equal(t, []ClassInfo{{Name: "web"}}, resp.Result)
}

func TestDispatch_FindClassUnknownReturnsError(t *testing.T) {
	core := &fakeCore{}
	s := &Server{core: core}

	args, _ := json.Marshal(map[string]string{"Name": "missing"})
	resp := s.dispatch(Request{Method: "find_class", Args: args})
	assert.NotEmpty(t, resp.Error)
}

func TestDispatch_StartInstanceSucceeds(t *testing.T) {
	core := &fakeCore{}
	s := &Server{core: core}

	args, _ := json.Marshal(map[string]string{"Class": "web", "Instance": ""})
	resp := s.dispatch(Request{Method: "start_instance", Args: args})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Result)
}

func TestDispatch_RestartInstanceForwardsToCore(t *testing.T) {
	core := &fakeCore{}
	s := &Server{core: core}

	args, _ := json.Marshal(map[string]string{"Class": "web", "Instance": "1"})
	resp := s.dispatch(Request{Method: "restart_instance", Args: args})
	require.Empty(t, resp.Error)
	assert.Equal(t, "web/1", core.restartedInstance)
}

func TestDispatch_ReloadInstanceForwardsToCore(t *testing.T) {
	core := &fakeCore{}
	s := &Server{core: core}

	args, _ := json.Marshal(map[string]string{"Class": "web", "Instance": "1"})
	resp := s.dispatch(Request{Method: "reload_instance", Args: args})
	require.Empty(t, resp.Error)
	assert.Equal(t, "web/1", core.reloadedInstance)
}

func TestDispatch_ReloadConfigForwardsSourcePath(t *testing.T) {
	core := &fakeCore{}
	s := &Server{core: core}

	args, _ := json.Marshal(map[string]string{"Source": "/etc/init"})
	resp := s.dispatch(Request{Method: "reload_config", Args: args})
	require.Empty(t, resp.Error)
	assert.Equal(t, "/etc/init", core.reloadedPath)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	s := &Server{core: &fakeCore{}}
	resp := s.dispatch(Request{Method: "bogus"})
	assert.Contains(t, resp.Error, "unknown method")
}
