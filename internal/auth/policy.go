package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if IsDeviceRoute(r) {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// IsDeviceRoute reports whether the request belongs to the firmware-facing
// surface. Device routes authenticate with the X-API-Key header instead of a
// JWT; POST /api/v1/heartbeat is device-side while GET on the same path is
// the operator view.
func IsDeviceRoute(r *http.Request) bool {
	if r == nil {
		return false
	}
	path := r.URL.Path
	switch {
	case path == "/api/v1/commands/next":
		return true
	case strings.HasPrefix(path, "/api/v1/commands/") && strings.HasSuffix(path, "/ack"):
		return true
	case path == "/api/v1/heartbeat" && r.Method == http.MethodPost:
		return true
	case path == "/api/v1/schedule/check":
		return true
	case strings.HasPrefix(path, "/api/v1/device/"):
		return true
	}
	return false
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case path == "/api/v1/commands":
		if method == http.MethodPost {
			return RoleOperator, true
		}
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/commands/") && strings.HasSuffix(path, "/cancel"):
		return RoleOperator, true
	case strings.HasPrefix(path, "/api/v1/commands/") && strings.HasSuffix(path, "/events"):
		return RoleViewer, true
	case path == "/api/v1/heartbeat" && method == http.MethodGet:
		return RoleViewer, true
	case path == "/api/v1/feedlogs" || path == "/api/v1/feedlogs/stats":
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/exports/"):
		return RoleViewer, true
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
