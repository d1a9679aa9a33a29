package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// env resolves keys with precedence explicit map > process env > dotenv file.
type env struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func (e env) lookup(key string) (string, bool) {
	if v, ok := e.explicit[key]; ok {
		return v, true
	}
	if e.system {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	v, ok := e.dotenv[key]
	return v, ok
}

func (e env) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (e env) duration(key string, fallback time.Duration, invalid *[]string) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*invalid = append(*invalid, key)
		return fallback
	}
	return d
}

func (e env) integer(key string, fallback int, invalid *[]string) int {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*invalid = append(*invalid, key)
		return fallback
	}
	return n
}

func (e env) float(key string, fallback float64, invalid *[]string) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*invalid = append(*invalid, key)
		return fallback
	}
	return f
}

func (e env) boolean(key string, fallback bool) bool {
	switch strings.ToLower(e.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (e env) list(key string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "a=x,b=y". Keys are lower-cased.
func (e env) pairs(key string) map[string]string {
	out := map[string]string{}
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}

func (e env) values() map[string]string {
	out := make(map[string]string, len(e.dotenv))
	for k, v := range e.dotenv {
		out[k] = v
	}
	if e.system {
		for _, entry := range os.Environ() {
			if k, v, ok := strings.Cut(entry, "="); ok && k != "" {
				out[k] = v
			}
		}
	}
	for k, v := range e.explicit {
		out[k] = v
	}
	return out
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return out, nil
}
