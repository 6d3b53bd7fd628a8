// Package runtime provides environment/runtime detection helpers shared across
// Lighthouse processes.
package runtime

import (
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode reports whether Env() is Production. The answer is
// computed on the first call and cached until ResetStrictIdentityModeCache.
// httputil uses it to trust X-User-ID/X-User-Role headers only over verified
// mTLS and, when asked, to require https base URLs.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		strictIdentityModeValue = Env() == Production
	})
	return strictIdentityModeValue
}
