// Package textutil normalises the loosely typed string metadata payment and
// print providers attach to catalog objects.
package textutil

import (
	"strconv"
	"strings"
)

// NormalizeMetadata trims values and lower-cases keys, removing entries with empty keys.
func NormalizeMetadata(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.ToLower(strings.TrimSpace(key))
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Truthy reports whether a metadata flag is set. Anything strconv.ParseBool
// rejects, other than "yes", counts as false.
func Truthy(value string) bool {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "yes") {
		return true
	}
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}

// PositiveInt parses a strictly positive integer such as a page count.
func PositiveInt(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
