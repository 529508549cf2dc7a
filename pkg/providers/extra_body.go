package providers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"apex-hq/meridian/pkg/inference"
)

// ApplyBodyPatches deep-merges user body overrides into a translated request
// body. Each patch addresses a location with a JSON pointer (RFC 6901) and
// replaces whatever the translator put there, so user overrides always win.
//
// Non-optional patches create missing intermediate objects along the
// pointer. Optional patches are skipped silently when any intermediate
// segment is absent.
func ApplyBodyPatches(body []byte, patches []inference.BodyPatch) ([]byte, error) {
	if len(patches) == 0 {
		return body, nil
	}

	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("request body is not a JSON object: %w", err)
	}

	for _, patch := range patches {
		if err := applyPatch(root, patch); err != nil {
			return nil, err
		}
	}
	return json.Marshal(root)
}

func applyPatch(root map[string]any, patch inference.BodyPatch) error {
	segments, err := parsePointer(patch.Pointer)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("body patch pointer %q addresses the document root", patch.Pointer)
	}

	// Walk to the parent of the addressed location.
	var current any = root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := descend(current, seg)
		if !ok {
			if patch.Optional {
				return nil
			}
			obj, isObj := current.(map[string]any)
			if !isObj {
				return fmt.Errorf("body patch pointer %q crosses a non-object", patch.Pointer)
			}
			created := make(map[string]any)
			obj[seg] = created
			next = created
		}
		current = next
	}

	last := segments[len(segments)-1]
	switch parent := current.(type) {
	case map[string]any:
		parent[last] = patch.Value
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(parent) {
			if patch.Optional {
				return nil
			}
			return fmt.Errorf("body patch pointer %q indexes outside the array", patch.Pointer)
		}
		parent[idx] = patch.Value
	default:
		if patch.Optional {
			return nil
		}
		return fmt.Errorf("body patch pointer %q addresses into a scalar", patch.Pointer)
	}
	return nil
}

func descend(node any, seg string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[seg]
		return child, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, false
		}
		return n[idx], true
	default:
		return nil, false
	}
}

// parsePointer splits an RFC 6901 JSON pointer into unescaped segments.
func parsePointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("invalid JSON pointer %q: must start with '/'", pointer)
	}
	raw := strings.Split(pointer[1:], "/")
	segments := make([]string, len(raw))
	for i, seg := range raw {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		segments[i] = seg
	}
	return segments, nil
}
