package authz

import "strings"

// CanonicalUser normalizes a submitted user id. With directory sync the id
// is matched against directory accounts, so case, a DOMAIN\ prefix and an
// @realm suffix are dropped.
func CanonicalUser(id string, directorySync bool) string {
	id = strings.TrimSpace(id)
	if !directorySync || id == "" {
		return id
	}
	if i := strings.LastIndexByte(id, '\\'); i >= 0 {
		id = id[i+1:]
	}
	if i := strings.IndexByte(id, '@'); i > 0 {
		id = id[:i]
	}
	return strings.ToLower(strings.TrimSpace(id))
}
