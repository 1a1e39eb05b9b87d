// Package jsonpatch computes and applies RFC-6902-style JSON patches over
// generic decoded JSON trees (map[string]interface{}, []interface{}, and
// scalars). spec.md §4.6 treats this as a supplied helper the core depends
// on only for change-callback old/new reconciliation (§4.7): Session.Update
// diffs the previous working copy against the user's mutated copy and
// re-applies the patch to the previous copy so that subtrees the
// transform never touched keep their original object identity, letting
// observers detect "did this nested value change" by pointer comparison.
//
// There is no JSON-patch library in the retrieval pack (davidahmann-gait
// ships JSON Canonicalization and JSON Schema, not RFC-6902 diffing), so
// this is hand-rolled against encoding/json-decoded trees — see DESIGN.md.
package jsonpatch

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Op is one RFC-6902 operation. Only add/remove/replace are produced or
// accepted, per spec.md §4.6.
type Op struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// escapeSegment applies RFC-6902 path escaping: ~0 for ~, ~1 for /.
func escapeSegment(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	s = strings.ReplaceAll(s, "/", "~1")
	return s
}

func unescapeSegment(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	s = strings.ReplaceAll(s, "~0", "~")
	return s
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	raw := strings.Split(strings.TrimPrefix(path, "/"), "/")
	segments := make([]string, len(raw))
	for i, s := range raw {
		segments[i] = unescapeSegment(s)
	}
	return segments
}

// CreatePatch computes the ops that transform oldDoc into newDoc.
// Equal map keys recurse so that unrelated nested fields generate no op;
// any other differing value (array, scalar, or a map turning into a
// non-map) generates a single replace at that path.
func CreatePatch(oldDoc, newDoc interface{}) []Op {
	var ops []Op
	diff("", oldDoc, newDoc, &ops)
	return ops
}

func diff(path string, oldV, newV interface{}, ops *[]Op) {
	if reflect.DeepEqual(oldV, newV) {
		return
	}

	oldMap, oldIsMap := oldV.(map[string]interface{})
	newMap, newIsMap := newV.(map[string]interface{})
	if oldIsMap && newIsMap {
		for k := range oldMap {
			childPath := path + "/" + escapeSegment(k)
			nv, stillPresent := newMap[k]
			if !stillPresent {
				*ops = append(*ops, Op{Op: "remove", Path: childPath})
				continue
			}
			diff(childPath, oldMap[k], nv, ops)
		}
		for k, v := range newMap {
			if _, existed := oldMap[k]; !existed {
				*ops = append(*ops, Op{Op: "add", Path: path + "/" + escapeSegment(k), Value: v})
			}
		}
		return
	}

	if path == "" {
		*ops = append(*ops, Op{Op: "replace", Path: "", Value: newV})
		return
	}
	*ops = append(*ops, Op{Op: "replace", Path: path, Value: newV})
}

// ApplyPatch applies ops to doc in order and returns the result. Containers
// along each op's path are shallow-copied (copy-on-write); every subtree
// not on any op's path is returned by reference, unmodified, from doc.
func ApplyPatch(doc interface{}, ops []Op) (interface{}, error) {
	result := doc
	for _, op := range ops {
		var err error
		result, err = applyOne(result, op)
		if err != nil {
			return nil, fmt.Errorf("apply %s %s: %w", op.Op, op.Path, err)
		}
	}
	return result, nil
}

func applyOne(doc interface{}, op Op) (interface{}, error) {
	segments := splitPath(op.Path)
	if len(segments) == 0 {
		switch op.Op {
		case "add", "replace":
			return op.Value, nil
		case "remove":
			return nil, nil
		default:
			return nil, fmt.Errorf("unsupported op %q", op.Op)
		}
	}
	return descend(doc, segments, op)
}

// descend walks to the parent of the final path segment, copy-on-write,
// then applies the leaf mutation.
func descend(node interface{}, segments []string, op Op) (interface{}, error) {
	key := segments[0]
	if len(segments) == 1 {
		return applyLeaf(node, key, op)
	}

	switch container := node.(type) {
	case map[string]interface{}:
		child, ok := container[key]
		if !ok {
			return nil, fmt.Errorf("no such key %q", key)
		}
		newChild, err := descend(child, segments[1:], op)
		if err != nil {
			return nil, err
		}
		copyMap := shallowCopyMap(container)
		copyMap[key] = newChild
		return copyMap, nil
	case []interface{}:
		idx, err := parseIndex(key, len(container))
		if err != nil {
			return nil, err
		}
		newChild, err := descend(container[idx], segments[1:], op)
		if err != nil {
			return nil, err
		}
		copySlice := shallowCopySlice(container)
		copySlice[idx] = newChild
		return copySlice, nil
	default:
		return nil, fmt.Errorf("cannot descend into leaf at %q", key)
	}
}

func applyLeaf(node interface{}, key string, op Op) (interface{}, error) {
	switch container := node.(type) {
	case map[string]interface{}:
		copyMap := shallowCopyMap(container)
		switch op.Op {
		case "add", "replace":
			copyMap[key] = op.Value
		case "remove":
			delete(copyMap, key)
		default:
			return nil, fmt.Errorf("unsupported op %q", op.Op)
		}
		return copyMap, nil
	case []interface{}:
		if key == "-" {
			if op.Op != "add" {
				return nil, fmt.Errorf("'-' only valid for add")
			}
			out := make([]interface{}, len(container)+1)
			copy(out, container)
			out[len(container)] = op.Value
			return out, nil
		}
		idx, err := parseIndex(key, len(container))
		if err != nil {
			return nil, err
		}
		switch op.Op {
		case "replace":
			copySlice := shallowCopySlice(container)
			copySlice[idx] = op.Value
			return copySlice, nil
		case "add":
			out := make([]interface{}, 0, len(container)+1)
			out = append(out, container[:idx]...)
			out = append(out, op.Value)
			out = append(out, container[idx:]...)
			return out, nil
		case "remove":
			out := make([]interface{}, 0, len(container)-1)
			out = append(out, container[:idx]...)
			out = append(out, container[idx+1:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("unsupported op %q", op.Op)
		}
	default:
		return nil, fmt.Errorf("cannot apply leaf op to non-container")
	}
}

func parseIndex(key string, length int) (int, error) {
	idx, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", key)
	}
	if idx < 0 || idx > length {
		return 0, fmt.Errorf("array index %d out of range [0,%d]", idx, length)
	}
	return idx, nil
}

func shallowCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func shallowCopySlice(s []interface{}) []interface{} {
	out := make([]interface{}, len(s))
	copy(out, s)
	return out
}
