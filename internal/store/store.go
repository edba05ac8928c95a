package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"licensegate/pkg/contracts/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDeviceLimit = errors.New("device limit reached")
)

// Store wraps the relational database with typed queries.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for lifecycle management.
func (s *Store) DB() *sql.DB { return s.db }

// LicenseWithOwner is the validation-time join of a license, its owner
// profile, and the derived active-device count.
type LicenseWithOwner struct {
	License       domain.License
	Owner         domain.Profile
	ActiveDevices int
}

const licenseJoin = `
SELECT l.id, l.user_id, l.license_key, l.license_type, l.status,
       COALESCE(l.activated_at, l.created_at), l.expires_at, l.max_devices, l.created_at,
       p.id, p.email, p.role, p.status, p.email_verified,
       (SELECT COUNT(1) FROM license_devices d WHERE d.license_id = l.id)
FROM licenses l
JOIN profiles p ON p.id = l.user_id
`

func (s *Store) scanLicenseWithOwner(row *sql.Row) (*LicenseWithOwner, error) {
	var lo LicenseWithOwner
	var verified int
	err := row.Scan(
		&lo.License.ID, &lo.License.UserID, &lo.License.Key, &lo.License.Type,
		&lo.License.Status, &lo.License.ActivatedAt, &lo.License.ExpiresAt,
		&lo.License.MaxDevices, &lo.License.CreatedAt,
		&lo.Owner.ID, &lo.Owner.Email, &lo.Owner.Role, &lo.Owner.Status, &verified,
		&lo.ActiveDevices,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	lo.Owner.EmailVerified = verified != 0
	return &lo, nil
}

// GetLicenseByKey loads a license row joined with its owner.
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*LicenseWithOwner, error) {
	row := s.db.QueryRowContext(ctx, licenseJoin+`WHERE l.license_key = ?`, key)
	return s.scanLicenseWithOwner(row)
}

// GetLicenseByUser loads the newest license of a user joined with its owner.
func (s *Store) GetLicenseByUser(ctx context.Context, userID string) (*LicenseWithOwner, error) {
	row := s.db.QueryRowContext(ctx,
		licenseJoin+`WHERE l.user_id = ? ORDER BY l.created_at DESC LIMIT 1`, userID)
	return s.scanLicenseWithOwner(row)
}

// ListDevices returns all devices registered for a license.
func (s *Store) ListDevices(ctx context.Context, licenseID string) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, license_id, device_fingerprint, device_name, activated_at, last_seen_at
		 FROM license_devices WHERE license_id = ? ORDER BY activated_at`, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.LicenseID, &d.Fingerprint, &d.Name,
			&d.ActivatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevice returns the device with the given fingerprint, if registered.
func (s *Store) GetDevice(ctx context.Context, licenseID, fingerprint string) (*domain.Device, error) {
	var d domain.Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, license_id, device_fingerprint, device_name, activated_at, last_seen_at
		 FROM license_devices WHERE license_id = ? AND device_fingerprint = ?`,
		licenseID, fingerprint).
		Scan(&d.ID, &d.LicenseID, &d.Fingerprint, &d.Name, &d.ActivatedAt, &d.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// TouchDevice updates the last-seen timestamp of an already registered
// device. Repeat activations from the same fingerprint land here.
func (s *Store) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE license_devices SET last_seen_at = ? WHERE id = ?`, seenAt.UTC(), deviceID)
	return err
}

// AddDevice registers a new device inside a single transaction: the limit
// check and the insert see the same snapshot, so concurrent activations
// cannot push the device count past max_devices. The count is derived from
// the rows; there is no stored counter.
func (s *Store) AddDevice(ctx context.Context, licenseID string, maxDevices int, info domain.DeviceInfo, now time.Time) (*domain.Device, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM license_devices WHERE license_id = ?`, licenseID).
		Scan(&count); err != nil {
		return nil, 0, err
	}
	if count >= maxDevices {
		return nil, count, fmt.Errorf("%w: %d of %d", ErrDeviceLimit, count, maxDevices)
	}

	d := domain.Device{
		ID:          uuid.NewString(),
		LicenseID:   licenseID,
		Fingerprint: info.Fingerprint,
		Name:        info.Name,
		ActivatedAt: now.UTC(),
		LastSeenAt:  now.UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO license_devices(id, license_id, device_fingerprint, device_name, activated_at, last_seen_at)
		 VALUES(?,?,?,?,?,?)`,
		d.ID, d.LicenseID, d.Fingerprint, d.Name, d.ActivatedAt, d.LastSeenAt); err != nil {
		return nil, count, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE licenses SET activated_at = COALESCE(activated_at, ?) WHERE id = ?`,
		now.UTC(), licenseID); err != nil {
		return nil, count, err
	}
	if err := tx.Commit(); err != nil {
		return nil, count, err
	}
	return &d, count + 1, nil
}

// RemoveDevices deletes one device (when fingerprint is non-empty) or all
// devices of the license, returning the removed rows.
func (s *Store) RemoveDevices(ctx context.Context, licenseID, fingerprint string) ([]domain.Device, error) {
	var (
		devices []domain.Device
		err     error
	)
	if fingerprint != "" {
		d, derr := s.GetDevice(ctx, licenseID, fingerprint)
		if derr != nil {
			return nil, derr
		}
		devices = []domain.Device{*d}
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM license_devices WHERE license_id = ? AND device_fingerprint = ?`,
			licenseID, fingerprint)
	} else {
		devices, err = s.ListDevices(ctx, licenseID)
		if err != nil {
			return nil, err
		}
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM license_devices WHERE license_id = ?`, licenseID)
	}
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// CountDevices returns the derived device count for a license.
func (s *Store) CountDevices(ctx context.Context, licenseID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM license_devices WHERE license_id = ?`, licenseID).Scan(&count)
	return count, err
}

// CreateProfile inserts a user profile.
func (s *Store) CreateProfile(ctx context.Context, p domain.Profile, passwordHash string) error {
	verified := 0
	if p.EmailVerified {
		verified = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(id, email, password_hash, role, status, email_verified, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		p.ID, p.Email, passwordHash, p.Role, p.Status, verified, time.Now().UTC())
	return err
}

// GetProfileByEmail loads a profile and its password hash by email.
func (s *Store) GetProfileByEmail(ctx context.Context, email string) (*domain.Profile, string, error) {
	var p domain.Profile
	var hash string
	var verified int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, status, email_verified FROM profiles WHERE email = ?`,
		email).Scan(&p.ID, &p.Email, &hash, &p.Role, &p.Status, &verified)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	p.EmailVerified = verified != 0
	return &p, hash, nil
}

// GetProfile loads a profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	var p domain.Profile
	var verified int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, status, email_verified FROM profiles WHERE id = ?`,
		id).Scan(&p.ID, &p.Email, &p.Role, &p.Status, &verified)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.EmailVerified = verified != 0
	return &p, nil
}

// CreateLicense inserts a license row.
func (s *Store) CreateLicense(ctx context.Context, l domain.License) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses(id, user_id, license_key, license_type, status, activated_at, expires_at, max_devices, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		l.ID, l.UserID, l.Key, l.Type, l.Status,
		nullableTime(l.ActivatedAt), l.ExpiresAt.UTC(), l.MaxDevices, l.CreatedAt)
	return err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
