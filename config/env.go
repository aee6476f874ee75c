package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*|:\?[^}]*)?\}`)

// expandEnv replaces ${VAR}, ${VAR:-default} and ${VAR:?message}. Unset
// plain references expand to the empty string; unset required ones are
// reported together.
func expandEnv(input string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		inner := match[2 : len(match)-1]
		name, modifier, _ := strings.Cut(inner, ":")
		value, ok := os.LookupEnv(name)
		switch {
		case strings.HasPrefix(modifier, "-"):
			if !ok || value == "" {
				return modifier[1:]
			}
		case strings.HasPrefix(modifier, "?"):
			if !ok || value == "" {
				missing = append(missing, fmt.Sprintf("%s: %s", name, modifier[1:]))
				return match
			}
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return out, nil
}
