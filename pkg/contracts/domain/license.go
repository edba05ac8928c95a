// Package domain contains the core domain models for the license gate.
// These types serve as the single source of truth for all layers of the
// application: the validation service, the store, and the route gate.
package domain

import (
	"math"
	"time"
)

// LicenseStatus is the derived status of a user's license. It is computed
// once at the data boundary and never stored verbatim on a license row.
type LicenseStatus string

const (
	LicenseStatusActive   LicenseStatus = "active"
	LicenseStatusInactive LicenseStatus = "inactive"
	LicenseStatusExpired  LicenseStatus = "expired"
	LicenseStatusNotFound LicenseStatus = "not_found"
)

// StatusFlags is the loosely-typed quadruple returned by the backend
// license-status RPC. Callers must not branch on the raw flags; use
// DeriveStatus instead.
type StatusFlags struct {
	HasLicense         bool `json:"has_license"`
	IsValid            bool `json:"is_valid"`
	RequiresActivation bool `json:"requires_activation"`
	RequiresRenewal    bool `json:"requires_renewal"`
}

// DeriveStatus collapses the four backend flags into a single status.
// Precedence: no license wins over everything, renewal over activation.
func DeriveStatus(f StatusFlags) LicenseStatus {
	switch {
	case !f.HasLicense:
		return LicenseStatusNotFound
	case f.RequiresRenewal:
		return LicenseStatusExpired
	case !f.IsValid || f.RequiresActivation:
		return LicenseStatusInactive
	default:
		return LicenseStatusActive
	}
}

// License represents a license row as persisted in the store.
// The number of active devices is always derived from the device rows;
// there is no stored counter to drift out of sync.
type License struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Key         string    `json:"license_key" db:"license_key"`
	Type        string    `json:"license_type" db:"license_type"`
	Status      string    `json:"status" db:"status"`
	ActivatedAt time.Time `json:"activated_at" db:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	MaxDevices  int       `json:"max_devices" db:"max_devices"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Device represents a single activated device for a license. A device is
// identified by an opaque fingerprint; (license_id, fingerprint) is unique.
type Device struct {
	ID          string    `json:"id" db:"id"`
	LicenseID   string    `json:"license_id" db:"license_id"`
	Fingerprint string    `json:"device_fingerprint" db:"device_fingerprint"`
	Name        string    `json:"device_name,omitempty" db:"device_name"`
	ActivatedAt time.Time `json:"activated_at" db:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Profile represents the owning user profile joined during validation.
type Profile struct {
	ID            string `json:"id" db:"id"`
	Email         string `json:"email" db:"email"`
	Role          string `json:"role" db:"role"`
	Status        string `json:"status" db:"status"`
	EmailVerified bool   `json:"email_verified" db:"email_verified"`
}

// DeviceInfo is the client-supplied device description on activation.
type DeviceInfo struct {
	Fingerprint string `json:"fingerprint" validate:"required,min=8"`
	Name        string `json:"name,omitempty"`
}

// LicenseView is the normalized license view returned by a successful
// validation. It carries derived fields only; nothing here is writable.
type LicenseView struct {
	ID            string        `json:"id"`
	Key           string        `json:"license_key"`
	Type          string        `json:"license_type"`
	Status        LicenseStatus `json:"status"`
	ExpiresAt     time.Time     `json:"expires_at"`
	DaysRemaining int           `json:"days_remaining"`
	InGracePeriod bool          `json:"is_in_grace_period"`
	MaxDevices    int           `json:"max_devices"`
	ActiveDevices int           `json:"active_devices"`
}

// DaysRemaining computes the whole days left until expiry, rounded up and
// floored at zero.
func DaysRemaining(expiresAt, now time.Time) int {
	if !expiresAt.After(now) {
		return 0
	}
	return int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
}
