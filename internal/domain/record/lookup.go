package record

import "strings"

// Lookup walks a decoded JSON object along a dotted path ("owner.name").
// It returns nil when any step is absent or not an object.
func Lookup(item map[string]any, path string) any {
	var cur any = item
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}
