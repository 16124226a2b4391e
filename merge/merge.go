// Package merge implements the update rule for free-form progress records:
// map values merge key-by-key recursively; slices and scalars replace.
package merge

// Maps merges src into dst and returns the result. dst is not modified; a
// new map is always returned. A nil dst merges as empty; a nil src returns
// a copy of dst.
//
// The rule is deliberately asymmetric: when both sides hold a map under the
// same key the maps merge recursively, otherwise the src value replaces the
// dst value wholesale. Slices are never concatenated.
func Maps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := out[k].(map[string]any); ok {
				out[k] = Maps(dstMap, srcMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}
