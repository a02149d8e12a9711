// Package dsn parses the backend locators used by the task queue and the
// blob store factories.
package dsn

import (
	"fmt"
	"net/url"
	"strings"
)

// Parse returns the parsed URL and its lower-cased scheme.
func Parse(raw string) (*url.URL, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", err
	}
	return parsed, NormalizeScheme(parsed.Scheme), nil
}

func NormalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Path extracts a filesystem path from a file DSN or a bare path.
func Path(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", fmt.Errorf("missing dsn")
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", fmt.Errorf("missing dsn path")
		}
		return strings.TrimSpace(raw), nil
	}
	// file://relative/dir puts the first segment in Host.
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", fmt.Errorf("missing dsn path in %q", raw)
	}
	return path, nil
}
