package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Lookup resolves a dotted path such as "body.author.id" against obj.
// A numeric segment indexes into an array. The second result is false when
// any segment is missing.
func Lookup(obj IRObject, path string) (IRValue, bool) {
	if path == "" {
		return nil, false
	}

	var cur IRValue = obj
	for _, seg := range strings.Split(path, ".") {
		switch val := cur.(type) {
		case IRObject:
			next, ok := val[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case IRArray:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(val) {
				return nil, false
			}
			cur = val[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ValidatePath reports whether path is a well-formed dotted path.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("path %q: segment %d is empty", path, i)
		}
	}
	return nil
}
