package ingest

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// DeviceKeys resolves per-device API keys (implemented by store.Redis).
type DeviceKeys interface {
	GetDeviceKey(ctx context.Context, apiKey string) (string, error)
}

type authEntry struct {
	vehicleID string
	expiresAt time.Time
}

// Authenticator validates X-API-Key headers in three tiers: static config
// keys, a local TTL cache, then the device-key store.
type Authenticator struct {
	localCache sync.Map
	devices    DeviceKeys
	ttl        time.Duration
	staticKeys map[string]bool
}

func NewAuthenticator(staticKeys []string, devices DeviceKeys, ttl time.Duration) *Authenticator {
	static := make(map[string]bool, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			static[k] = true
		}
	}
	return &Authenticator{
		devices:    devices,
		ttl:        ttl,
		staticKeys: static,
	}
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	if a.staticKeys[apiKey] {
		return true
	}

	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(authEntry)
		if time.Now().Before(entry.expiresAt) {
			return true
		}
		a.localCache.Delete(apiKey)
	}

	if a.devices == nil {
		return false
	}
	vehicleID, err := a.devices.GetDeviceKey(ctx, apiKey)
	if err != nil || vehicleID == "" {
		return false
	}

	a.localCache.Store(apiKey, authEntry{
		vehicleID: vehicleID,
		expiresAt: time.Now().Add(a.ttl),
	})
	return true
}

// Middleware rejects requests without a valid X-API-Key.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}
		if !a.Validate(r.Context(), apiKey) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
