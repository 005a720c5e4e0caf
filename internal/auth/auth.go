package auth

import "net/http"

const (
	RoleTeacher = "teacher"
	RoleViewer  = "viewer"
)

// Gate decides teacher privilege. With an empty AdminKey any connection
// claiming the teacher role is trusted (open demo mode); otherwise the claim
// must come with the matching key.
type Gate struct {
	AdminKey         string
	AllowViewerPaste bool
}

// IsTeacher computes the privilege flag for a connection. Callers evaluate
// this once at connect time; the result is fixed for the connection's life.
func (g Gate) IsTeacher(role, key string) bool {
	if role != RoleTeacher {
		return false
	}
	if g.AdminKey == "" {
		return true
	}
	return key == g.AdminKey
}

// CanPaste reports whether a connection may append pasted text.
func (g Gate) CanPaste(isTeacher bool) bool {
	return isTeacher || g.AllowViewerPaste
}

// AllowHTTP guards the teacher-only HTTP endpoints. The key arrives either
// as a ?key= query parameter or an X-Admin-Key header.
func (g Gate) AllowHTTP(r *http.Request) bool {
	if g.AdminKey == "" {
		return true
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get("X-Admin-Key")
	}
	return key == g.AdminKey
}
