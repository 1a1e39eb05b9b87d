package jsonpatch

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func toTree(t *testing.T, v string) interface{} {
	var out interface{}
	require.NoError(t, json.Unmarshal([]byte(v), &out))
	return out
}

func TestRoundTrip(t *testing.T) {
	oldDoc := toTree(t, `{"coins":100,"inventory":{"sword":1,"shield":2},"tags":["a","b"]}`)
	newDoc := toTree(t, `{"coins":150,"inventory":{"sword":1,"shield":3},"tags":["a","c"]}`)

	ops := CreatePatch(oldDoc, newDoc)
	require.NotEmpty(t, ops)

	got, err := ApplyPatch(oldDoc, ops)
	require.NoError(t, err)

	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	newJSON, err := json.Marshal(newDoc)
	require.NoError(t, err)
	require.JSONEq(t, string(newJSON), string(gotJSON))
}

// TestUntouchedSubtreePreservesIdentity exercises testable property 5:
// an update that mutates only a leaf preserves object identity of
// untouched subtrees.
func TestUntouchedSubtreePreservesIdentity(t *testing.T) {
	oldDoc := toTree(t, `{"coins":100,"inventory":{"sword":1}}`)
	oldMap := oldDoc.(map[string]interface{})
	untouchedInventory := oldMap["inventory"]

	newDoc := toTree(t, `{"coins":101,"inventory":{"sword":1}}`)

	ops := CreatePatch(oldDoc, newDoc)
	result, err := ApplyPatch(oldDoc, ops)
	require.NoError(t, err)

	resultMap := result.(map[string]interface{})
	require.Equal(t, mapPointer(untouchedInventory), mapPointer(resultMap["inventory"]))
}

// mapPointer returns the underlying map's identity as a comparable value,
// since Go maps don't support == between two map[string]interface{}
// variables directly.
func mapPointer(v interface{}) uintptr {
	return reflect.ValueOf(v).Pointer()
}

func TestNoOpWhenDocsEqual(t *testing.T) {
	doc := toTree(t, `{"a":1,"b":{"c":2}}`)
	ops := CreatePatch(doc, toTree(t, `{"a":1,"b":{"c":2}}`))
	require.Empty(t, ops)
}

func TestRemoveAndAddKeys(t *testing.T) {
	oldDoc := toTree(t, `{"a":1,"b":2}`)
	newDoc := toTree(t, `{"a":1,"c":3}`)
	ops := CreatePatch(oldDoc, newDoc)

	result, err := ApplyPatch(oldDoc, ops)
	require.NoError(t, err)
	gotJSON, _ := json.Marshal(result)
	require.JSONEq(t, `{"a":1,"c":3}`, string(gotJSON))
}
