package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaps(t *testing.T) {
	t.Run("nested maps merge recursively", func(t *testing.T) {
		dst := map[string]any{
			"phases": map[string]any{
				"collect": "done",
				"zip":     "pending",
			},
			"total": 10,
		}
		src := map[string]any{
			"phases": map[string]any{
				"zip": "running",
			},
		}

		got := Maps(dst, src)
		assert.Equal(t, map[string]any{
			"phases": map[string]any{
				"collect": "done",
				"zip":     "running",
			},
			"total": 10,
		}, got)
	})

	t.Run("slices replace, not concatenate", func(t *testing.T) {
		dst := map[string]any{"files": []any{"a", "b"}}
		src := map[string]any{"files": []any{"c"}}

		got := Maps(dst, src)
		assert.Equal(t, []any{"c"}, got["files"])
	})

	t.Run("scalar replaces map", func(t *testing.T) {
		dst := map[string]any{"state": map[string]any{"x": 1}}
		src := map[string]any{"state": "reset"}

		got := Maps(dst, src)
		assert.Equal(t, "reset", got["state"])
	})

	t.Run("map replaces scalar", func(t *testing.T) {
		dst := map[string]any{"state": "init"}
		src := map[string]any{"state": map[string]any{"x": 1}}

		got := Maps(dst, src)
		assert.Equal(t, map[string]any{"x": 1}, got["state"])
	})

	t.Run("nil inputs", func(t *testing.T) {
		assert.Equal(t, map[string]any{"a": 1}, Maps(nil, map[string]any{"a": 1}))
		assert.Equal(t, map[string]any{"a": 1}, Maps(map[string]any{"a": 1}, nil))
	})

	t.Run("dst is not mutated", func(t *testing.T) {
		dst := map[string]any{"inner": map[string]any{"a": 1}}
		_ = Maps(dst, map[string]any{"inner": map[string]any{"b": 2}})

		assert.Equal(t, map[string]any{"a": 1}, dst["inner"])
	})
}
