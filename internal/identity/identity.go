// Package identity produces the anonymized user hash attached to every
// telemetry event: a salted SHA-256 digest of a random per-install
// identifier. The digest is stable across restarts but carries no device
// identifiers, so events can be correlated per install without naming the
// device or the user.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/lovesync/pulse/internal/storage"
)

const (
	bucket       = "identity"
	installIDKey = "install_id"
)

// DeviceInfo is the coarse device description sent alongside remote
// session creation. No field identifies a specific device.
type DeviceInfo struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	AppVersion string `json:"app_version,omitempty"`
}

// Provider computes and caches the salted user hash. The install id is
// minted once and persisted; losing the state store resets the identity,
// which is the intended behavior for an anonymized id.
type Provider struct {
	store      *storage.Store
	salt       string
	appVersion string

	mu   sync.Mutex
	hash string
}

// New creates a Provider backed by the given state store.
func New(store *storage.Store, salt, appVersion string) *Provider {
	return &Provider{store: store, salt: salt, appVersion: appVersion}
}

// UserHash returns the stable anonymized identifier for this install,
// minting and persisting the underlying install id on first use.
func (p *Provider) UserHash() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hash != "" {
		return p.hash, nil
	}

	installID, err := p.store.Get(bucket, installIDKey)
	if err != nil {
		return "", fmt.Errorf("identity: reading install id: %w", err)
	}
	if installID == nil {
		installID = []byte(uuid.NewString())
		if err := p.store.Put(bucket, installIDKey, installID); err != nil {
			return "", fmt.Errorf("identity: persisting install id: %w", err)
		}
	}

	sum := sha256.Sum256([]byte(p.salt + "_" + string(installID)))
	p.hash = hex.EncodeToString(sum[:])
	return p.hash, nil
}

// DeviceInfo returns the coarse device description for session creation.
func (p *Provider) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		AppVersion: p.appVersion,
	}
}
