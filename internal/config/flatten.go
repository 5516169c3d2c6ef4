package config

import (
	"strings"
)

// secretSuffixes mark keys whose values are credentials, at any depth.
var secretSuffixes = []string{"api_key", "token", "secret"}

// IsSecretKey reports whether a dot path names a credential.
func IsSecretKey(key string) bool {
	leaf := key[strings.LastIndex(key, ".")+1:]
	for _, s := range secretSuffixes {
		if leaf == s || strings.HasSuffix(leaf, "_"+s) {
			return true
		}
	}
	return false
}

// Flatten turns nested JSON objects into dot paths:
// {"wits": {"moment": {"threshold": 3}}} becomes {"wits.moment.threshold": 3}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			path := join(prefix, k)
			if child, ok := v.(map[string]any); ok {
				walk(path, child)
				continue
			}
			out[path] = v
		}
	}
	walk("", m)
	return out
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Unflatten is the inverse of Flatten. A scalar found where a path needs an
// object is replaced by the object.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for path, v := range flat {
		setPath(out, strings.Split(path, "."), v)
	}
	return out
}

func setPath(node map[string]any, parts []string, v any) {
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = v
}

// MaskSecrets copies flat, hiding credential values. Long values keep their
// last four characters ("***3456") so keys can be told apart; short ones are
// hidden entirely.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		s, ok := v.(string)
		if !ok || s == "" || !IsSecretKey(k) {
			continue
		}
		if r := []rune(s); len(r) > 8 {
			out[k] = "***" + string(r[len(r)-4:])
		} else {
			out[k] = "***"
		}
	}
	return out
}
