// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/telekom/audit-relay/pkg/audit"
)

// Log writes each event to a structured logger. It never fails and is
// intended for development and as a last-resort sink.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("audit")}
}

func (l *Log) Send(_ context.Context, events []audit.Event) error {
	for i := range events {
		l.logger.Info("audit_event", eventFields(&events[i])...)
	}
	return nil
}

func (l *Log) Name() string { return "log" }

func (l *Log) Close() error { return nil }

func eventFields(e *audit.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("kind", string(e.Kind)),
		zap.Time("timestamp", e.Timestamp),
		zap.String("device_info", e.DeviceInfo),
	}
	if e.AccessMethod != "" {
		fields = append(fields, zap.String("access_method", string(e.AccessMethod)))
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.BranchID != "" {
		fields = append(fields, zap.String("branch_id", e.BranchID))
	}
	if e.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", e.IPAddress))
	}

	var details interface{}
	switch {
	case e.Access != nil:
		details = e.Access
	case e.Configuration != nil:
		details = e.Configuration
	case e.CredentialGeneration != nil:
		details = e.CredentialGeneration
	case e.CredentialScan != nil:
		details = e.CredentialScan
	case e.Transaction != nil:
		details = e.Transaction
	}
	if details != nil {
		if detailsJSON, err := json.Marshal(details); err == nil {
			fields = append(fields, zap.String("details", string(detailsJSON)))
		}
	}
	return fields
}
