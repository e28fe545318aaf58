package auth

import (
	"crypto/subtle"
	"net/http"
)

// DeviceKeyMiddleware validates the X-API-Key header presented by feeder firmware.
// An empty configured key disables the check (pairing-free development mode).
type DeviceKeyMiddleware struct {
	Key string
}

// NewDeviceKeyMiddleware constructs device key middleware.
func NewDeviceKeyMiddleware(key string) *DeviceKeyMiddleware {
	return &DeviceKeyMiddleware{Key: key}
}

// Wrap enforces the device API key on device routes. Other requests pass
// through untouched so the middleware can wrap the whole mux alongside the
// JWT middleware.
func (m *DeviceKeyMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Key == "" || !IsDeviceRoute(r) {
			next.ServeHTTP(w, r)
			return
		}
		supplied := r.Header.Get("X-API-Key")
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(m.Key)) != 1 {
			http.Error(w, "invalid api key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
