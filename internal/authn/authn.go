// Package authn implements the gateway's device authenticator:
// a shared-secret check per device with auto-provisioning for sensors
// that present the well-known bootstrap secret. Secret comparison runs
// in constant time to avoid leaking match length through timing.
package authn

import (
	"crypto/subtle"
	"sync"

	"go.uber.org/zap"
)

// ProvisioningSecret is the well-known bootstrap value that lets an
// unrecognized device auto-register itself on first contact.
const ProvisioningSecret = "device-secret"

// Authenticator maintains the deviceId -> secret mapping for one
// gateway and applies the acceptance rule.
type Authenticator struct {
	logger *zap.Logger

	mu      sync.RWMutex
	secrets map[string]string
}

// New creates an Authenticator with an optional set of pre-registered
// bootstrap device secrets.
func New(logger *zap.Logger, bootstrap map[string]string) *Authenticator {
	a := &Authenticator{
		logger: logger,
		secrets: make(map[string]string, len(bootstrap)),
	}
	for id, secret := range bootstrap {
		a.secrets[id] = secret
	}
	return a
}

// Register adds or overwrites a device's secret.
func (a *Authenticator) Register(deviceID, secret string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.secrets[deviceID] = secret
}

// Authenticate applies the acceptance rule: exact match accepts; an unknown
// device presenting ProvisioningSecret auto-registers and accepts;
// anything else is rejected.
func (a *Authenticator) Authenticate(deviceID, signature string) bool {
	a.mu.RLock()
	known, exists := a.secrets[deviceID]
	a.mu.RUnlock()

	if exists {
		return constantTimeEqual(known, signature)
	}

	if constantTimeEqual(signature, ProvisioningSecret) {
		a.Register(deviceID, signature)
		a.logger.Info("auto-registered device", zap.String("device_id", deviceID))
		return true
	}

	a.logger.Info("rejected unauthorized device", zap.String("device_id", deviceID))
	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
