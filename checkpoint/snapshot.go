//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SnapshotVersion is the version of the serialized snapshot layout.
const SnapshotVersion = 1

// Redacted replaces secret values in serialized snapshots.
const Redacted = "[secret]"

// minScrubLength is the shortest secret value scrubbed from unrelated
// nodes. Shorter values are still masked at their declared paths.
const minScrubLength = 4

// Metadata keys set by the runtime.
const (
	// MetadataRedacted marks a node whose output had secrets scrubbed.
	MetadataRedacted = "redacted"
	// MetadataReplayed marks a node copied from an earlier attempt.
	MetadataReplayed = "replayed"
)

// Snapshot is the serialized, redacted view of a run's execution tree.
// Props and output values are json.RawMessage.
type Snapshot struct {
	Version      int            `json:"version"`
	RunID        string         `json:"runId"`
	WorkflowName string         `json:"workflowName"`
	Sequence     int64          `json:"sequence"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Root         *ExecutionNode `json:"root,omitempty"`
}

// Info summarizes a stored snapshot.
type Info struct {
	RunID        string    `json:"runId"`
	WorkflowName string    `json:"workflowName"`
	Sequence     int64     `json:"sequence"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Info returns the summary of s.
func (s *Snapshot) Info() Info {
	return Info{RunID: s.RunID, WorkflowName: s.WorkflowName, Sequence: s.Sequence, UpdatedAt: s.UpdatedAt}
}

// Find returns the node with the given id.
func (s *Snapshot) Find(id string) *ExecutionNode {
	var found *ExecutionNode
	s.Root.Walk(func(n *ExecutionNode) bool {
		if n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// ReplayIndex returns the nodes whose recorded output can stand in for a
// re-execution: settled without error and not masked by redaction.
func (s *Snapshot) ReplayIndex() map[string]*ExecutionNode {
	idx := map[string]*ExecutionNode{}
	s.Root.Walk(func(n *ExecutionNode) bool {
		if Replayable(n) {
			idx[n.ID] = n
		}
		return true
	})
	return idx
}

// Replayable reports whether n may be served from history.
func Replayable(n *ExecutionNode) bool {
	if !n.Completed() || n.Error != "" || n.Output == nil {
		return false
	}
	if n.ComponentOpts.SecretOutputs || len(n.ComponentOpts.SecretOutputPaths) > 0 {
		return false
	}
	if redacted, _ := n.Metadata[MetadataRedacted].(bool); redacted {
		return false
	}
	return true
}

// Marshal encodes s as JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a snapshot produced by Marshal.
func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("checkpoint: decode snapshot: %w", err)
	}
	return s, nil
}

// Snapshot builds the serializable view of the tree. Secret props and
// outputs are masked, and their values are scrubbed from every other node.
// The live tree is not modified.
func (m *Manager) Snapshot() (*Snapshot, error) {
	m.mu.Lock()
	root := m.root.Clone()
	seq := m.seq
	m.mu.Unlock()

	snap := &Snapshot{
		Version:      SnapshotVersion,
		RunID:        m.runID,
		WorkflowName: m.workflowName,
		Sequence:     seq,
		UpdatedAt:    time.Now(),
		Root:         root,
	}
	if root == nil {
		return snap, nil
	}
	secrets := map[string]struct{}{}
	collect := func(v string) {
		if v != "" && v != Redacted {
			secrets[v] = struct{}{}
		}
	}
	var err error
	root.Walk(func(n *ExecutionNode) bool {
		err = encodeNode(n, collect)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if len(secrets) > 0 {
		scrubTree(root, secrets)
	}
	return snap, nil
}

func encodeNode(n *ExecutionNode, collect func(string)) error {
	props, err := encodeValue(n.Props)
	if err != nil {
		return err
	}
	for _, p := range n.ComponentOpts.SecretProps {
		if props, err = redactPath(props, p, collect); err != nil {
			return fmt.Errorf("checkpoint: redact props %q of %s: %w", p, n.ID, err)
		}
	}
	n.Props = nil
	if props != nil {
		n.Props = props
	}
	if n.Output == nil || n.Output.IsPending() || n.Output.Value == nil {
		return nil
	}
	out, err := encodeValue(n.Output.Value)
	if err != nil {
		return err
	}
	if n.ComponentOpts.SecretOutputs {
		collectStrings(gjson.ParseBytes(out), collect)
		out = json.RawMessage(`"` + Redacted + `"`)
	} else {
		for _, p := range n.ComponentOpts.SecretOutputPaths {
			if out, err = redactPath(out, p, collect); err != nil {
				return fmt.Errorf("checkpoint: redact output %q of %s: %w", p, n.ID, err)
			}
		}
	}
	n.Output.Value = out
	return nil
}

func encodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("[unserializable %T]", v))
	}
	return b, nil
}

// redactPath masks every value at path. Segments are separated by dots and
// "*" matches every key or index at that level.
func redactPath(doc json.RawMessage, path string, collect func(string)) (json.RawMessage, error) {
	if len(doc) == 0 {
		return doc, nil
	}
	var err error
	for _, p := range expandPath(doc, "", splitPath(path)) {
		r := gjson.GetBytes(doc, p)
		if !r.Exists() {
			continue
		}
		collectStrings(r, collect)
		if doc, err = sjson.SetBytes(doc, p, Redacted); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Redact encodes v as JSON with the values at paths masked. Paths use the
// same syntax as secret props.
func Redact(v any, paths ...string) (json.RawMessage, error) {
	doc, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if doc, err = redactPath(doc, p, func(string) {}); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

type segment struct {
	key      string
	wildcard bool
}

// splitPath splits a dotted path; a backslash escapes the next byte.
func splitPath(path string) []segment {
	var (
		segs    []segment
		cur     strings.Builder
		escaped bool
	)
	flush := func() {
		key := cur.String()
		segs = append(segs, segment{key: key, wildcard: key == "*" && !escaped})
		cur.Reset()
		escaped = false
	}
	for i := 0; i < len(path); i++ {
		switch c := path[i]; {
		case c == '\\' && i+1 < len(path):
			i++
			cur.WriteByte(path[i])
			escaped = true
		case c == '.':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segs
}

func expandPath(doc []byte, prefix string, segs []segment) []string {
	if len(segs) == 0 {
		return []string{prefix}
	}
	seg := segs[0]
	if !seg.wildcard {
		return expandPath(doc, joinPath(prefix, escapeKey(seg.key)), segs[1:])
	}
	node := gjson.ParseBytes(doc)
	if prefix != "" {
		node = gjson.GetBytes(doc, prefix)
	}
	var out []string
	idx := 0
	node.ForEach(func(key, _ gjson.Result) bool {
		k := key.String()
		if node.IsArray() {
			k = fmt.Sprint(idx)
			idx++
		}
		out = append(out, expandPath(doc, joinPath(prefix, escapeKey(k)), segs[1:])...)
		return true
	})
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`,
)

func escapeKey(k string) string {
	return pathEscaper.Replace(k)
}

func collectStrings(r gjson.Result, collect func(string)) {
	switch {
	case r.IsObject() || r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			collectStrings(v, collect)
			return true
		})
	case r.Type == gjson.String:
		collect(r.String())
	}
}

func scrubTree(root *ExecutionNode, secrets map[string]struct{}) {
	var plain []string
	var forms [][]byte
	for s := range secrets {
		if len(s) < minScrubLength {
			continue
		}
		quoted, err := json.Marshal(s)
		if err != nil {
			continue
		}
		plain = append(plain, s)
		forms = append(forms, quoted[1:len(quoted)-1])
	}
	if len(forms) == 0 {
		return
	}
	mask := []byte(Redacted)
	scrub := func(raw json.RawMessage) (json.RawMessage, bool) {
		changed := false
		for _, f := range forms {
			if bytes.Contains(raw, f) {
				raw = bytes.ReplaceAll(raw, f, mask)
				changed = true
			}
		}
		return raw, changed
	}
	root.Walk(func(n *ExecutionNode) bool {
		if props, ok := n.Props.(json.RawMessage); ok {
			n.Props, _ = scrub(props)
		}
		for _, p := range plain {
			n.Error = strings.ReplaceAll(n.Error, p, Redacted)
		}
		for k, v := range n.Metadata {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if cleaned, changed := scrub(raw); changed {
				n.Metadata[k] = cleaned
			}
		}
		if n.Output != nil {
			if out, ok := n.Output.Value.(json.RawMessage); ok {
				if cleaned, changed := scrub(out); changed {
					n.Output.Value = cleaned
					if n.Metadata == nil {
						n.Metadata = map[string]any{}
					}
					n.Metadata[MetadataRedacted] = true
				}
			}
		}
		return true
	})
}
