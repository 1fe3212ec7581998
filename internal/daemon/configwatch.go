package daemon

import (
	"strings"

	"github.com/uinit/uinit/internal/config"
	"github.com/uinit/uinit/internal/job"
)

// handleConfigChange routes a path reported by the Configuration Manager's
// fsnotify watch to the Source that owns it and rescans that one source,
// then brings the supervisor's per-class bookkeeping in line with whatever
// the Job Class Table now holds.
func (s *Supervisor) handleConfigChange(path string) {
	src := s.sourceForPath(path)
	if src == nil {
		return
	}
	if err := s.confMgr.Reload(src); err != nil {
		return
	}
	s.syncClassStates()
}

func (s *Supervisor) sourceForPath(path string) *config.Source {
	var best *config.Source
	for _, src := range s.confMgr.Sources() {
		if src.Path == path || strings.HasPrefix(path, src.Path+"/") {
			if best == nil || len(src.Path) > len(best.Path) {
				best = src
			}
		}
	}
	return best
}

// syncClassStates ensures every class currently installed in the Job Class
// Table (visible or deleted-but-draining) has a classState entry, creating
// a fresh Job Instance Table for any class seen for the first time. A
// class's classState is never removed here; actOnTransition's
// maybeFreeInstance prunes it once the class is deleted and its last
// instance has drained.
func (s *Supervisor) syncClassStates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.classTable.All() {
		if _, ok := s.states[c]; !ok {
			s.states[c] = &classState{class: c, instances: job.NewInstanceTable()}
		}
	}
}
