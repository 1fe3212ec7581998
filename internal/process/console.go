package process

import (
	"io"
	"os"

	"github.com/uinit/uinit/internal/classdef"
)

// openConsole returns the stdin/stdout/stderr the spawned process should
// inherit, per the class's console mode: a log sink file for `console
// log`, the supervisor's own stdio for `console output`, /dev/null for
// `console none`, and the controlling terminal for `console owner`.
//
// The spec treats captured job output as an external "log sink"
// collaborator (open(path,fd,uid) -> writes/flush/close) and leaves tty
// plumbing out of the core's scope; here LogPath is assumed to already
// be opened by that collaborator and is just wired up as stdout/stderr.
func openConsole(spec Spec) (stdin, stdout, stderr *os.File, err error) {
	switch spec.Console {
	case classdef.ConsoleNone:
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, nil, err
		}
		return devnull, devnull, devnull, nil

	case classdef.ConsoleOutput:
		return os.Stdin, os.Stdout, os.Stderr, nil

	case classdef.ConsoleOwner:
		tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return nil, nil, nil, err
		}
		return tty, tty, tty, nil

	case classdef.ConsoleLog:
		if spec.LogPath == "" {
			devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
			if err != nil {
				return nil, nil, nil, err
			}
			return nil, devnull, devnull, nil
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, nil, err
		}
		return nil, f, f, nil
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	return devnull, devnull, devnull, err
}

var _ io.Closer = (*os.File)(nil)
