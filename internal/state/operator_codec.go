package state

import (
	"encoding/json"
	"fmt"

	"github.com/uinit/uinit/internal/classdef"
)

// DecodeOperatorTree accepts either encoding an older or newer document
// uses for a start_on/stop_on field: a bare JSON string (the collapsed,
// pre-tree encoding, where the whole expression was held as opaque text
// for the external parser to re-parse) or an array-serialized operator
// tree as produced by encodeOperatorTree. A nil/empty raw value yields a
// nil tree, matching "absent key treated as empty".
//
// The collapsed-string branch returns ErrCollapsedFormat so callers can
// route it through the external stanza parser (this package doesn't
// parse stanza text); reconstructing a tree from array form is handled
// entirely here since that format is this package's own.
var ErrCollapsedFormat = fmt.Errorf("start_on/stop_on uses the older collapsed string encoding")

func DecodeOperatorTree(raw json.RawMessage) (*classdef.OperatorNode, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return nil, ErrCollapsedFormat
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("decode operator tree: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("decode operator tree: empty array")
	}

	var kind string
	if err := json.Unmarshal(arr[0], &kind); err != nil {
		return nil, fmt.Errorf("decode operator tree: %w", err)
	}

	switch kind {
	case "and", "or":
		node := &classdef.OperatorNode{Kind: classdef.OpAnd}
		if kind == "or" {
			node.Kind = classdef.OpOr
		}
		for _, childRaw := range arr[1:] {
			child, err := DecodeOperatorTree(childRaw)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil

	case "match":
		if len(arr) < 4 {
			return nil, fmt.Errorf("decode operator tree: malformed match node")
		}
		m := &classdef.Matcher{}
		if err := json.Unmarshal(arr[1], &m.Name); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(arr[2], &m.Args); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(arr[3], &m.Env); err != nil {
			return nil, err
		}
		return classdef.Leaf(m), nil

	default:
		return nil, fmt.Errorf("decode operator tree: unknown node kind %q", kind)
	}
}
