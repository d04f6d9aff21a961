package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrDeviceNotFound = errors.New("device not found")

// Device is a registered mobile source. Devices are never deleted; the
// public key is mutable only through a crypto upgrade.
type Device struct {
	DeviceID     string    `json:"device_id"`
	PublicKeyPEM string    `json:"public_key_pem"`
	DeviceInfo   string    `json:"device_info,omitempty"`
	CryptoScheme string    `json:"crypto_scheme"` // hmac or ecdsa
	RegisteredAt time.Time `json:"registered_at"`
}

type DeviceModel struct {
	DB DBTX
}

func (m DeviceModel) Get(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT device_id, public_key_pem, COALESCE(device_info, ''), crypto_scheme, registered_at
		FROM devices
		WHERE device_id = $1`
	var d Device
	err := m.DB.QueryRowContext(ctx, query, deviceID).Scan(
		&d.DeviceID, &d.PublicKeyPEM, &d.DeviceInfo, &d.CryptoScheme, &d.RegisteredAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m DeviceModel) Create(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (device_id, public_key_pem, device_info, crypto_scheme)
		VALUES ($1, $2, $3, $4)
		RETURNING registered_at`
	return m.DB.QueryRowContext(ctx, query, d.DeviceID, d.PublicKeyPEM, d.DeviceInfo, d.CryptoScheme).
		Scan(&d.RegisteredAt)
}

// UpdateKey overwrites the key material and scheme tag (crypto upgrade).
func (m DeviceModel) UpdateKey(ctx context.Context, deviceID, publicKeyPEM, scheme string) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE devices SET public_key_pem = $1, crypto_scheme = $2
		WHERE device_id = $3`, publicKeyPEM, scheme, deviceID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeviceStat is the device directory row: registration info plus how many
// non-deleted media records the device owns.
type DeviceStat struct {
	Device
	VideoCount int `json:"video_count"`
}

func (m DeviceModel) ListWithCounts(ctx context.Context) ([]*DeviceStat, error) {
	query := `
		SELECT d.device_id, d.public_key_pem, COALESCE(d.device_info, ''), d.crypto_scheme, d.registered_at,
		       COUNT(v.id) FILTER (WHERE v.deleted_at IS NULL)
		FROM devices d
		LEFT JOIN videos v ON v.device_id = d.device_id
		GROUP BY d.device_id, d.public_key_pem, d.device_info, d.crypto_scheme, d.registered_at
		ORDER BY d.registered_at DESC`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*DeviceStat
	for rows.Next() {
		s := &DeviceStat{}
		if err := rows.Scan(&s.DeviceID, &s.PublicKeyPEM, &s.DeviceInfo, &s.CryptoScheme, &s.RegisteredAt, &s.VideoCount); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
