package permissions

import (
	"sort"
	"strings"
)

// Definition describes an admin permission.
type Definition struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Label  string `json:"label"`
	Module string `json:"module"`
}

// Key builds a permission key from method and path.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// NormalizePermissions trims, de-duplicates, and sorts permissions, dropping keys that
// name no known route.
func NormalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, known := definitionMap[trimmed]; !known {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

// HasPermission checks whether the key exists in the permission list.
func HasPermission(perms []string, key string) bool {
	if key == "" {
		return false
	}
	for _, perm := range perms {
		if perm == key {
			return true
		}
	}
	return false
}

// Definitions returns a copy of all permission definitions.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// newDefinition builds a Definition with a normalized key.
func newDefinition(method, path, label, module string) Definition {
	upperMethod := strings.ToUpper(method)
	return Definition{
		Key:    Key(upperMethod, path),
		Method: upperMethod,
		Path:   path,
		Label:  label,
		Module: module,
	}
}

// definitions is the ordered list of permission definitions.
var definitions = []Definition{
	newDefinition("GET", "/v0/admin/usage/:username", "View User Usage", "Quota"),
	newDefinition("GET", "/v0/admin/sessions", "List Active Sessions", "Sessions"),

	newDefinition("GET", "/v0/admin/disconnects", "List Disconnect Queue", "Enforcement"),

	newDefinition("GET", "/v0/admin/routers", "List Routers", "Routers"),
	newDefinition("POST", "/v0/admin/routers/:id/token", "Issue Router Token", "Routers"),

	newDefinition("GET", "/v0/admin/permissions", "List Permission Definitions", "Administrators"),
}

// definitionMap provides fast lookup for permission definitions.
var definitionMap = func() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}()
