package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
)

// ErrKeyImmutable is returned when a device re-registers with a different
// key under the same crypto scheme. Keys change only via crypto upgrade.
var ErrKeyImmutable = errors.New("public key is immutable without a crypto upgrade")

const keyCacheSize = 1024

// Registry manages device identities and caches their key material. Upload
// verification hits the cache on every request, so registered keys are kept
// in a bounded LRU.
type Registry struct {
	db      *sql.DB
	devices data.DeviceModel
	audit   *audit.Service
	cache   *lru.Cache[string, *data.Device]
}

func NewRegistry(db *sql.DB, devices data.DeviceModel, auditSvc *audit.Service) (*Registry, error) {
	cache, err := lru.New[string, *data.Device](keyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db, devices: devices, audit: auditSvc, cache: cache}, nil
}

// RegisterResult reports what a registration call did.
type RegisterResult struct {
	Created  bool
	Upgraded bool
	Device   *data.Device
}

// Register creates the device on first sight. An existing device presenting
// a different crypto tag is upgraded in place; identical re-registrations
// succeed idempotently.
func (r *Registry) Register(ctx context.Context, deviceID, publicKeyPEM, info, cryptoTag string) (*RegisterResult, error) {
	publicKeyPEM = NormalizeKey(publicKeyPEM)
	if cryptoTag == "" {
		cryptoTag = "hmac"
	}

	existing, err := r.devices.Get(ctx, deviceID)
	if err != nil && !errors.Is(err, data.ErrDeviceNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.CryptoScheme == cryptoTag {
			if NormalizeKey(existing.PublicKeyPEM) != publicKeyPEM {
				return nil, ErrKeyImmutable
			}
			return &RegisterResult{Device: existing}, nil
		}
		// Crypto upgrade path: overwrite key and tag.
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		if err := (data.DeviceModel{DB: tx}).UpdateKey(ctx, deviceID, publicKeyPEM, cryptoTag); err != nil {
			return nil, err
		}
		_, err = r.audit.Append(ctx, tx, audit.EventDeviceRegister, map[string]any{
			"action":     "crypto_upgrade",
			"old_scheme": existing.CryptoScheme,
			"new_scheme": cryptoTag,
		}, audit.Ref{DeviceID: deviceID})
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		r.cache.Remove(deviceID)
		log.Printf("[Devices] %s upgraded %s -> %s", deviceID, existing.CryptoScheme, cryptoTag)

		existing.PublicKeyPEM = publicKeyPEM
		existing.CryptoScheme = cryptoTag
		return &RegisterResult{Upgraded: true, Device: existing}, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	device := &data.Device{
		DeviceID:     deviceID,
		PublicKeyPEM: publicKeyPEM,
		DeviceInfo:   info,
		CryptoScheme: cryptoTag,
	}
	if err := (data.DeviceModel{DB: tx}).Create(ctx, device); err != nil {
		return nil, err
	}
	_, err = r.audit.Append(ctx, tx, audit.EventDeviceRegister, map[string]any{
		"action": "register",
		"scheme": cryptoTag,
	}, audit.Ref{DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[Devices] Registered %s (%s)", deviceID, cryptoTag)
	return &RegisterResult{Created: true, Device: device}, nil
}

// Lookup returns the device, preferring the key cache.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (*data.Device, error) {
	if d, ok := r.cache.Get(deviceID); ok {
		return d, nil
	}
	d, err := r.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	r.cache.Add(deviceID, d)
	return d, nil
}

// CheckEnvelopeKey enforces byte-for-byte key equality between the envelope
// and the registered device, after newline normalisation.
func (r *Registry) CheckEnvelopeKey(device *data.Device, envelopeKey string) error {
	if NormalizeKey(device.PublicKeyPEM) != NormalizeKey(envelopeKey) {
		return fmt.Errorf("%w: device %s", ErrKeyMismatch, device.DeviceID)
	}
	return nil
}
