package auth

import (
	"fmt"
	"strings"
)

// LookupClaim walks a dotted path such as "context.user.name" through nested
// claim maps. Non-string leaves are formatted with %v; missing or empty
// leaves report false.
func LookupClaim(claims map[string]any, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}
