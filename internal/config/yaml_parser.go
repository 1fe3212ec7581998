package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uinit/uinit/internal/classdef"
)

// YAMLParser implements Parser against a YAML job-class document. The
// shell-like stanza syntax a real Upstart-style `.conf` file uses is an
// external collaborator out of this core's scope; YAMLParser is the
// concrete stand-in that lets the rest of the core be exercised end to
// end, in the same document format the daemon's own bootstrap
// configuration uses.
type YAMLParser struct{}

func (YAMLParser) Parse(name, primary string, overlay []byte) (*classdef.Class, error) {
	var doc classDoc
	if err := yaml.Unmarshal([]byte(primary), &doc); err != nil {
		return nil, fmt.Errorf("yaml parser: %s: %w", name, err)
	}
	if len(overlay) > 0 {
		if err := yaml.Unmarshal(overlay, &doc); err != nil {
			return nil, fmt.Errorf("yaml parser: %s: override: %w", name, err)
		}
	}
	return doc.toClass(name)
}

// classDoc mirrors classdef.Class in a form yaml.v3 can unmarshal
// directly, with operator trees and process slots expressed as plain
// nested values.
type classDoc struct {
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Version     string `yaml:"version"`

	Exec       string `yaml:"exec"`
	Script     string `yaml:"script"`
	PreStart   procDoc `yaml:"pre_start"`
	PostStart  procDoc `yaml:"post_start"`
	PreStop    procDoc `yaml:"pre_stop"`
	PostStop   procDoc `yaml:"post_stop"`
	Security   procDoc `yaml:"security"`

	StartOn any `yaml:"start_on"`
	StopOn  any `yaml:"stop_on"`

	Emits []string `yaml:"emits"`

	Instance string `yaml:"instance"`

	Respawn         bool   `yaml:"respawn"`
	RespawnLimit    int    `yaml:"respawn_limit"`
	RespawnInterval string `yaml:"respawn_interval"`

	KillSignal  string `yaml:"kill_signal"`
	KillTimeout string `yaml:"kill_timeout"`

	ReloadSignal string `yaml:"reload_signal"`

	Console string `yaml:"console"`

	Umask       string `yaml:"umask"`
	Nice        int    `yaml:"nice"`
	OomScoreAdj int    `yaml:"oom_score_adj"`

	Limits map[string]string `yaml:"limit"`

	Chroot string `yaml:"chroot"`
	Chdir  string `yaml:"chdir"`

	Setuid string `yaml:"setuid"`
	Setgid string `yaml:"setgid"`

	Env    []string `yaml:"env"`
	Export []string `yaml:"export"`

	Task bool `yaml:"task"`

	Expect string `yaml:"expect"`

	NormalExit []int `yaml:"normal_exit"`

	AppArmor string `yaml:"apparmor_switch"`

	Usage string `yaml:"usage"`
}

type procDoc struct {
	Exec   string `yaml:"exec"`
	Script string `yaml:"script"`
}

func (p procDoc) toProcess(kind classdef.ProcessKind) *classdef.Process {
	switch {
	case p.Script != "":
		return &classdef.Process{Kind: kind, IsScript: true, Command: p.Script}
	case p.Exec != "":
		return &classdef.Process{Kind: kind, Command: p.Exec}
	default:
		return nil
	}
}

func (d *classDoc) toClass(name string) (*classdef.Class, error) {
	c := &classdef.Class{
		Name:         name,
		Description:  d.Description,
		Author:       d.Author,
		Version:      d.Version,
		Emits:        d.Emits,
		InstanceTemplate: d.Instance,
		Respawn:      d.Respawn,
		RespawnLimit: d.RespawnLimit,
		Chdir:        d.Chdir,
		Chroot:       d.Chroot,
		Setuid:       d.Setuid,
		Setgid:       d.Setgid,
		EnvTemplate:  d.Env,
		Export:       d.Export,
		Task:         d.Task,
		Nice:         d.Nice,
		OomScoreAdj:  d.OomScoreAdj,
		ApparmorSwitch: d.AppArmor,
		Usage:        d.Usage,
	}

	switch {
	case d.Script != "":
		c.Processes[classdef.Main] = &classdef.Process{Kind: classdef.Main, IsScript: true, Command: d.Script}
	case d.Exec != "":
		c.Processes[classdef.Main] = &classdef.Process{Kind: classdef.Main, Command: d.Exec}
	}
	for _, name := range c.Emits {
		if err := validateEventName(name); err != nil {
			return nil, fmt.Errorf("emits: %w", err)
		}
	}

	c.Processes[classdef.PreStart] = d.PreStart.toProcess(classdef.PreStart)
	c.Processes[classdef.PostStart] = d.PostStart.toProcess(classdef.PostStart)
	c.Processes[classdef.PreStop] = d.PreStop.toProcess(classdef.PreStop)
	c.Processes[classdef.PostStop] = d.PostStop.toProcess(classdef.PostStop)
	c.Processes[classdef.Security] = d.Security.toProcess(classdef.Security)

	if d.RespawnInterval != "" {
		interval, err := time.ParseDuration(d.RespawnInterval)
		if err != nil {
			return nil, fmt.Errorf("respawn_interval: %w", err)
		}
		c.RespawnInterval = interval
	}
	if d.KillTimeout != "" {
		timeout, err := time.ParseDuration(d.KillTimeout)
		if err != nil {
			return nil, fmt.Errorf("kill_timeout: %w", err)
		}
		c.KillTimeout = timeout
	}
	if sig, ok := signalNames[d.KillSignal]; ok {
		c.KillSignal = sig
	}
	if sig, ok := signalNames[d.ReloadSignal]; ok {
		c.ReloadSignal = sig
	}

	switch d.Console {
	case "output":
		c.Console = classdef.ConsoleOutput
	case "owner":
		c.Console = classdef.ConsoleOwner
	case "none", "":
		c.Console = classdef.ConsoleNone
	default:
		c.Console = classdef.ConsoleLog
	}

	switch d.Expect {
	case "fork":
		c.Expect = classdef.ExpectFork
	case "daemon":
		c.Expect = classdef.ExpectDaemon
	case "stop":
		c.Expect = classdef.ExpectStop
	}

	for _, status := range d.NormalExit {
		c.NormalExit = append(c.NormalExit, classdef.NormalExit{Status: status})
	}

	for idx, val := range d.Limits {
		i, r, err := parseRlimitEntry(idx, val)
		if err != nil {
			return nil, err
		}
		c.Rlimits[i] = r
	}

	if d.StartOn != nil {
		tree, err := buildOperatorTree(d.StartOn)
		if err != nil {
			return nil, fmt.Errorf("start_on: %w", err)
		}
		c.StartOn = tree
	}
	if d.StopOn != nil {
		tree, err := buildOperatorTree(d.StopOn)
		if err != nil {
			return nil, fmt.Errorf("stop_on: %w", err)
		}
		c.StopOn = tree
	}

	return c, nil
}

// validateEventName rejects emits entries that cannot possibly match a
// start_on/stop_on leaf matcher's event name: empty, or containing
// whitespace (event names are single tokens in the env-carrying
// "event arg1 arg2" wire form start_on/stop_on matchers parse against).
func validateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("empty event name")
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("event name %q contains whitespace", name)
	}
	return nil
}

var signalNames = map[string]int{
	"SIGHUP": 1, "SIGINT": 2, "SIGQUIT": 3, "SIGKILL": 9,
	"SIGUSR1": 10, "SIGUSR2": 12, "SIGTERM": 15, "SIGCONT": 18, "SIGSTOP": 19,
}

var rlimitIndexByName = map[string]int{
	"cpu": 0, "fsize": 1, "data": 2, "stack": 3, "core": 4,
	"rss": 5, "nproc": 6, "nofile": 7, "memlock": 8, "as": 9,
	"locks": 10, "sigpending": 11, "msgqueue": 12, "nice": 13, "rtprio": 14, "rttime": 15,
}

func parseRlimitEntry(name, val string) (int, *classdef.Rlimit, error) {
	idx, ok := rlimitIndexByName[name]
	if !ok {
		return 0, nil, fmt.Errorf("limit %s: unknown resource name", name)
	}
	var soft, hard uint64
	if _, err := fmt.Sscanf(val, "%d %d", &soft, &hard); err != nil {
		return 0, nil, fmt.Errorf("limit %s: expected \"soft hard\": %w", name, err)
	}
	return idx, &classdef.Rlimit{Soft: soft, Hard: hard}, nil
}

// buildOperatorTree converts the generic YAML value produced by
// unmarshaling start_on/stop_on into an OperatorNode tree. The accepted
// shape is ["and"|"or", child...] for inner nodes and
// {event: name, args: [...], env: [...]} or a bare string for leaves.
func buildOperatorTree(v any) (*classdef.OperatorNode, error) {
	switch node := v.(type) {
	case string:
		return classdef.Leaf(&classdef.Matcher{Name: node}), nil

	case map[string]any:
		m := &classdef.Matcher{}
		if name, ok := node["event"].(string); ok {
			m.Name = name
		}
		m.Args = toStringSlice(node["args"])
		m.Env = toStringSlice(node["env"])
		if m.Name == "" {
			return nil, fmt.Errorf("leaf matcher missing \"event\"")
		}
		return classdef.Leaf(m), nil

	case []any:
		if len(node) == 0 {
			return nil, fmt.Errorf("empty operator list")
		}
		op, ok := node[0].(string)
		if !ok {
			return nil, fmt.Errorf("operator list must start with \"and\" or \"or\"")
		}
		var children []*classdef.OperatorNode
		for _, raw := range node[1:] {
			child, err := buildOperatorTree(raw)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		switch op {
		case "and":
			return classdef.And(children...), nil
		case "or":
			return classdef.Or(children...), nil
		default:
			return nil, fmt.Errorf("unknown operator %q", op)
		}

	default:
		return nil, fmt.Errorf("unrecognized start_on/stop_on node %T", v)
	}
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
