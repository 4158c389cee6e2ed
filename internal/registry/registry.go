// Package registry implements the provisioning registry: the
// shared gateway-secret and device-secret store backing both the
// gateway's device Authenticator bootstrap set and the cloud API's
// gateway auth middleware and /devices/register endpoint. Secret
// comparisons run in constant time.
package registry

import (
	"crypto/subtle"
	"sync"

	"go.uber.org/zap"
)

// GatewaySecret is the bootstrap credential a not-yet-registered
// gateway presents to the cloud API.
const GatewaySecret = "gateway-secret"

// Registry holds the set of known gateway ids and device ids mapped to
// their provisioning secrets.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	gateways map[string]string
	devices  map[string]string
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		gateways: make(map[string]string),
		devices: make(map[string]string),
	}
}

// RegisterGateway records gatewayID's secret, overwriting any prior
// value; used both for static bootstrap config and self-registration.
func (r *Registry) RegisterGateway(gatewayID, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gatewayID] = secret
}

// AuthenticateGateway checks gatewayID/secret for the cloud API's auth
// middleware. An unknown gatewayID presenting the shared GatewaySecret
// is auto-registered and accepted, mirroring the device auto-enrollment
// rule.
func (r *Registry) AuthenticateGateway(gatewayID, secret string) bool {
	r.mu.RLock()
	known, ok := r.gateways[gatewayID]
	r.mu.RUnlock()

	if ok {
		return constantTimeEqual(known, secret)
	}
	if constantTimeEqual(GatewaySecret, secret) {
		r.RegisterGateway(gatewayID, secret)
		r.logger.Info("auto-registered gateway", zap.String("gateway_id", gatewayID))
		return true
	}
	r.logger.Warn("gateway authentication rejected", zap.String("gateway_id", gatewayID))
	return false
}

// RegisterDevice records deviceID's secret, per /devices/register.
func (r *Registry) RegisterDevice(deviceID, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[deviceID] = secret
}

// DeviceSecret returns the registered secret for deviceID, if any.
func (r *Registry) DeviceSecret(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	secret, ok := r.devices[deviceID]
	return secret, ok
}

// Bootstrap returns a snapshot of all registered device secrets, used to
// seed a gateway's local Authenticator at startup.
func (r *Registry) Bootstrap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.devices))
	for k, v := range r.devices {
		out[k] = v
	}
	return out
}

// DeregisterGateway removes gatewayID, per DELETE /gateway/{id}.
func (r *Registry) DeregisterGateway(gatewayID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gateways, gatewayID)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
