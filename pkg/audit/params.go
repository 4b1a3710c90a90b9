// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Producer parameters for the Log* methods. Optional fields are left empty.

type AccessParams struct {
	AccessMethod  AccessMethod
	SessionID     string
	FailureReason string
	UserID        string
	BranchID      string
}

type ConfigurationParams struct {
	AdminUser      string
	DeviceID       string
	PreviousConfig map[string]interface{}
	NewConfig      map[string]interface{}
	BranchID       string
}

type CredentialGenerationParams struct {
	SessionToken string
	ExpiresAt    time.Time
	BranchID     string
}

type CredentialScanParams struct {
	SessionToken string
	SessionID    string
	ErrorReason  string
	Status       ScanStatus
	BranchID     string
}

type TransactionParams struct {
	TransactionType string
	SessionID       string
	Amount          *decimal.Decimal
	Reference       string
	ErrorReason     string
	AccessMethod    AccessMethod
	UserID          string
	BranchID        string
}
