package printing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPackage is returned when no pod package is configured for a binding/ink pair.
var ErrUnknownPackage = errors.New("printing: no pod package for book attributes")

// PackageTable maps binding and ink choices onto provider pod package ids.
type PackageTable struct {
	ids map[string]string
}

// NewPackageTable validates that all four combinations are present.
func NewPackageTable(ids map[string]string) (*PackageTable, error) {
	table := &PackageTable{ids: make(map[string]string, len(ids))}
	for key, id := range ids {
		table.ids[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(id)
	}
	var missing []string
	for _, hardcover := range []bool{false, true} {
		for _, color := range []bool{false, true} {
			key := packageKey(hardcover, color)
			if table.ids[key] == "" {
				missing = append(missing, key)
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrUnknownPackage, strings.Join(missing, ", "))
	}
	return table, nil
}

// Select returns the pod package id for the combination.
func (t *PackageTable) Select(hardcover, color bool) (string, error) {
	key := packageKey(hardcover, color)
	id := t.ids[key]
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownPackage, key)
	}
	return id, nil
}

func packageKey(hardcover, color bool) string {
	binding := "paperback"
	if hardcover {
		binding = "hardcover"
	}
	ink := "bw"
	if color {
		ink = "color"
	}
	return binding + "_" + ink
}
