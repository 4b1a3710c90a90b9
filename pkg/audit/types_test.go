// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBase(kind Kind, t EventType) Event {
	return Event{
		ID:         "evt-1",
		Kind:       kind,
		Type:       t,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DeviceInfo: "test-device",
	}
}

func TestEventType_Kind(t *testing.T) {
	assert.Equal(t, KindAccess, EventAccessFailure.Kind())
	assert.Equal(t, KindConfiguration, EventConfigDelete.Kind())
	assert.Equal(t, KindCredentialGeneration, EventQRRefreshed.Kind())
	assert.Equal(t, KindCredentialScan, EventQRScanFailure.Kind())
	assert.Equal(t, KindTransaction, EventTransactionCompleted.Kind())
	assert.Equal(t, Kind(""), EventType("login").Kind())
}

func TestEvent_Validate(t *testing.T) {
	future := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	tests := []struct {
		name    string
		event   func() Event
		wantErr string
	}{
		{
			name: "access ok",
			event: func() Event {
				e := validBase(KindAccess, EventAccessAttempt)
				e.AccessMethod = AccessMethodQRCode
				e.Access = &AccessDetails{}
				return e
			},
		},
		{
			name: "missing id",
			event: func() Event {
				e := validBase(KindAccess, EventAccessAttempt)
				e.ID = ""
				e.Access = &AccessDetails{}
				return e
			},
			wantErr: "eventId is required",
		},
		{
			name: "event type of another kind",
			event: func() Event {
				e := validBase(KindAccess, EventQRGenerated)
				e.Access = &AccessDetails{}
				return e
			},
			wantErr: "does not belong to kind",
		},
		{
			name: "unknown access method",
			event: func() Event {
				e := validBase(KindAccess, EventAccessAttempt)
				e.AccessMethod = "carrier_pigeon"
				e.Access = &AccessDetails{}
				return e
			},
			wantErr: "unknown accessMethod",
		},
		{
			name: "configuration without newConfig",
			event: func() Event {
				e := validBase(KindConfiguration, EventConfigUpdate)
				e.Configuration = &ConfigurationDetails{AdminUser: "admin", DeviceID: "tab-7"}
				return e
			},
			wantErr: "newConfig is required",
		},
		{
			name: "configuration without adminUser",
			event: func() Event {
				e := validBase(KindConfiguration, EventConfigCreate)
				e.Configuration = &ConfigurationDetails{DeviceID: "tab-7", NewConfig: map[string]interface{}{}}
				return e
			},
			wantErr: "adminUser is required",
		},
		{
			name: "credential generation ok",
			event: func() Event {
				e := validBase(KindCredentialGeneration, EventQRGenerated)
				e.CredentialGeneration = &CredentialGenerationDetails{SessionToken: "tok", ExpiresAt: future}
				return e
			},
		},
		{
			name: "credential generation without expiry",
			event: func() Event {
				e := validBase(KindCredentialGeneration, EventQRGenerated)
				e.CredentialGeneration = &CredentialGenerationDetails{SessionToken: "tok"}
				return e
			},
			wantErr: "expiresAt is required",
		},
		{
			name: "scan with unknown status",
			event: func() Event {
				e := validBase(KindCredentialScan, EventQRScanFailure)
				e.CredentialScan = &CredentialScanDetails{Status: "revoked"}
				return e
			},
			wantErr: "unknown scan status",
		},
		{
			name: "scan with no optional fields",
			event: func() Event {
				e := validBase(KindCredentialScan, EventQRScanSuccess)
				e.CredentialScan = &CredentialScanDetails{}
				return e
			},
		},
		{
			name: "transaction without session",
			event: func() Event {
				e := validBase(KindTransaction, EventTransactionInitiated)
				e.Transaction = &TransactionDetails{TransactionType: "withdrawal"}
				return e
			},
			wantErr: "sessionId is required",
		},
		{
			name: "details missing",
			event: func() Event {
				return validBase(KindTransaction, EventTransactionFailed)
			},
			wantErr: "transaction details are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.event()
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCloneConfig_IsDeep(t *testing.T) {
	src := map[string]interface{}{
		"limits": map[string]interface{}{"daily": 500},
		"tags":   []interface{}{"a", "b"},
	}
	cp := cloneConfig(src)

	src["limits"].(map[string]interface{})["daily"] = 1
	src["tags"].([]interface{})[0] = "z"
	src["new"] = true

	assert.Equal(t, 500, cp["limits"].(map[string]interface{})["daily"])
	assert.Equal(t, "a", cp["tags"].([]interface{})[0])
	assert.NotContains(t, cp, "new")
	assert.Nil(t, cloneConfig(nil))
}

func TestEvent_WireFormat(t *testing.T) {
	amount := decimal.RequireFromString("125.50")
	e := validBase(KindTransaction, EventTransactionCompleted)
	e.Transaction = &TransactionDetails{TransactionType: "withdrawal", SessionID: "s-1", Amount: &amount}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "evt-1", raw["eventId"])
	assert.Equal(t, "transaction_completed", raw["eventType"])
	assert.Equal(t, "2026-03-01T12:00:00Z", raw["timestamp"])
	assert.NotContains(t, raw, "userId", "absent optional identifiers are omitted")
	assert.NotContains(t, raw, "access")
	assert.Equal(t, "125.5", raw["transaction"].(map[string]interface{})["amount"])
}
