// Package config resolves, parses, validates, and defaults mrats configuration.
package config

import (
	"fmt"
	"strings"
)

// Parse reads configuration content as JSONC.
func Parse(content string, base Config) (Config, []Warning, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		validatedWarnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, validatedWarnings, nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		return Config{}, nil, fmt.Errorf("config file must be JSONC (expected a top-level '{')")
	}

	return parseJSONC(content, base)
}
