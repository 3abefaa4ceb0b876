package config

import (
	"os"
	"regexp"
)

var reEnvRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${NAME} and ${NAME:-default} in s. Bare $NAME is left
// alone so passwords containing '$' survive.
func expandEnv(s string) string {
	if len(s) < 4 {
		return s
	}
	return reEnvRef.ReplaceAllStringFunc(s, func(m string) string {
		sub := reEnvRef.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(sub[1]); ok && v != "" {
			return v
		}
		return sub[2]
	})
}

// expandTree applies expandEnv to every string value of a decoded JSON tree.
// Keys are not expanded.
func expandTree(v any) any {
	switch x := v.(type) {
	case string:
		return expandEnv(x)
	case map[string]any:
		for k, e := range x {
			x[k] = expandTree(e)
		}
		return x
	case []any:
		for i := range x {
			x[i] = expandTree(x[i])
		}
		return x
	default:
		return v
	}
}
