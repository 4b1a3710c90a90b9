// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the five specialized event shapes.
type Kind string

const (
	KindAccess               Kind = "access"
	KindConfiguration        Kind = "configuration"
	KindCredentialGeneration Kind = "credential_generation"
	KindCredentialScan       Kind = "credential_scan"
	KindTransaction          Kind = "transaction"
)

// Kinds lists every known kind in a stable order.
var Kinds = []Kind{KindAccess, KindConfiguration, KindCredentialGeneration, KindCredentialScan, KindTransaction}

// EventType is the per-kind event tag.
type EventType string

const (
	// === Access ===
	EventAccessAttempt EventType = "access_attempt"
	EventAccessSuccess EventType = "access_success"
	EventAccessFailure EventType = "access_failure"

	// === Configuration ===
	EventConfigCreate EventType = "config_create"
	EventConfigUpdate EventType = "config_update"
	EventConfigDelete EventType = "config_delete"

	// === Credential generation ===
	EventQRGenerated EventType = "qr_generated"
	EventQRRefreshed EventType = "qr_refreshed"
	EventQRExpired   EventType = "qr_expired"

	// === Credential scan ===
	EventQRScanSuccess EventType = "qr_scan_success"
	EventQRScanFailure EventType = "qr_scan_failure"

	// === Transaction ===
	EventTransactionInitiated EventType = "transaction_initiated"
	EventTransactionCompleted EventType = "transaction_completed"
	EventTransactionFailed    EventType = "transaction_failed"
)

var kindOf = map[EventType]Kind{
	EventAccessAttempt:        KindAccess,
	EventAccessSuccess:        KindAccess,
	EventAccessFailure:        KindAccess,
	EventConfigCreate:         KindConfiguration,
	EventConfigUpdate:         KindConfiguration,
	EventConfigDelete:         KindConfiguration,
	EventQRGenerated:          KindCredentialGeneration,
	EventQRRefreshed:          KindCredentialGeneration,
	EventQRExpired:            KindCredentialGeneration,
	EventQRScanSuccess:        KindCredentialScan,
	EventQRScanFailure:        KindCredentialScan,
	EventTransactionInitiated: KindTransaction,
	EventTransactionCompleted: KindTransaction,
	EventTransactionFailed:    KindTransaction,
}

// Kind returns the kind an event type belongs to, or "" for unknown types.
func (t EventType) Kind() Kind {
	return kindOf[t]
}

// AccessMethod is the channel the triggering action occurred on.
type AccessMethod string

const (
	AccessMethodMobileApp    AccessMethod = "mobile_app"
	AccessMethodBranchTablet AccessMethod = "branch_tablet"
	AccessMethodQRCode       AccessMethod = "qr_code"
	AccessMethodWeb          AccessMethod = "web"
)

// Valid reports whether m is empty or one of the known methods.
func (m AccessMethod) Valid() bool {
	switch m {
	case "", AccessMethodMobileApp, AccessMethodBranchTablet, AccessMethodQRCode, AccessMethodWeb:
		return true
	}
	return false
}

// ScanStatus is the state of a scanned credential token.
type ScanStatus string

const (
	ScanStatusActive  ScanStatus = "active"
	ScanStatusExpired ScanStatus = "expired"
	ScanStatusUsed    ScanStatus = "used"
	ScanStatusInvalid ScanStatus = "invalid"
)

// Valid reports whether s is empty or one of the known statuses.
func (s ScanStatus) Valid() bool {
	switch s {
	case "", ScanStatusActive, ScanStatusExpired, ScanStatusUsed, ScanStatusInvalid:
		return true
	}
	return false
}

// Geolocation is filled in by the backend in practice; the core never waits for it.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// Event is one immutable audit record. Exactly one of the detail pointers is
// set, matching Kind.
type Event struct {
	ID           string       `json:"eventId"`
	Kind         Kind         `json:"kind"`
	Type         EventType    `json:"eventType"`
	Timestamp    time.Time    `json:"timestamp"`
	AccessMethod AccessMethod `json:"accessMethod,omitempty"`
	DeviceInfo   string       `json:"deviceInfo"`
	UserID       string       `json:"userId,omitempty"`
	BranchID     string       `json:"branchId,omitempty"`
	IPAddress    string       `json:"ipAddress,omitempty"`
	Geolocation  *Geolocation `json:"geolocation,omitempty"`

	Access               *AccessDetails               `json:"access,omitempty"`
	Configuration        *ConfigurationDetails        `json:"configuration,omitempty"`
	CredentialGeneration *CredentialGenerationDetails `json:"credentialGeneration,omitempty"`
	CredentialScan       *CredentialScanDetails       `json:"credentialScan,omitempty"`
	Transaction          *TransactionDetails          `json:"transaction,omitempty"`
}

type AccessDetails struct {
	SessionID     string `json:"sessionId,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// ConfigurationDetails carries full before/after snapshots, not diffs.
type ConfigurationDetails struct {
	AdminUser      string                 `json:"adminUser"`
	DeviceID       string                 `json:"deviceId"`
	PreviousConfig map[string]interface{} `json:"previousConfig,omitempty"`
	NewConfig      map[string]interface{} `json:"newConfig"`
}

type CredentialGenerationDetails struct {
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type CredentialScanDetails struct {
	SessionToken string     `json:"sessionToken,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	ErrorReason  string     `json:"errorReason,omitempty"`
	Status       ScanStatus `json:"status,omitempty"`
}

type TransactionDetails struct {
	TransactionType string           `json:"transactionType"`
	SessionID       string           `json:"sessionId"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Reference       string           `json:"reference,omitempty"`
	ErrorReason     string           `json:"errorReason,omitempty"`
}

// Validate checks structural fields only. Business-level correctness of
// identifiers and amounts is left to the backend.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errors.New("eventId is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if got := e.Type.Kind(); got == "" {
		return fmt.Errorf("unknown eventType %q", e.Type)
	} else if got != e.Kind {
		return fmt.Errorf("eventType %q does not belong to kind %q", e.Type, e.Kind)
	}
	if !e.AccessMethod.Valid() {
		return fmt.Errorf("unknown accessMethod %q", e.AccessMethod)
	}

	switch e.Kind {
	case KindAccess:
		if e.Access == nil {
			return errors.New("access details are required")
		}
	case KindConfiguration:
		d := e.Configuration
		if d == nil {
			return errors.New("configuration details are required")
		}
		if d.AdminUser == "" {
			return errors.New("adminUser is required")
		}
		if d.DeviceID == "" {
			return errors.New("deviceId is required")
		}
		if d.NewConfig == nil {
			return errors.New("newConfig is required")
		}
	case KindCredentialGeneration:
		d := e.CredentialGeneration
		if d == nil {
			return errors.New("credential generation details are required")
		}
		if d.SessionToken == "" {
			return errors.New("sessionToken is required")
		}
		if d.ExpiresAt.IsZero() {
			return errors.New("expiresAt is required")
		}
	case KindCredentialScan:
		d := e.CredentialScan
		if d == nil {
			return errors.New("credential scan details are required")
		}
		if !d.Status.Valid() {
			return fmt.Errorf("unknown scan status %q", d.Status)
		}
	case KindTransaction:
		d := e.Transaction
		if d == nil {
			return errors.New("transaction details are required")
		}
		if d.TransactionType == "" {
			return errors.New("transactionType is required")
		}
		if d.SessionID == "" {
			return errors.New("sessionId is required")
		}
	}
	return nil
}

// cloneConfig deep-copies a JSON-shaped configuration snapshot so later
// mutation by the caller cannot reach the recorded event.
func cloneConfig(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneConfig(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
