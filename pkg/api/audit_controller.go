// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mssola/useragent"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/telekom/audit-relay/pkg/audit"
	"github.com/telekom/audit-relay/pkg/system"
)

// Recorder is the part of audit.Service the ingest API drives.
type Recorder interface {
	LogAccess(ctx context.Context, eventType audit.EventType, p audit.AccessParams) string
	LogConfiguration(ctx context.Context, eventType audit.EventType, p audit.ConfigurationParams) string
	LogCredentialGeneration(ctx context.Context, eventType audit.EventType, p audit.CredentialGenerationParams) string
	LogCredentialScan(ctx context.Context, eventType audit.EventType, p audit.CredentialScanParams) string
	LogTransaction(ctx context.Context, eventType audit.EventType, p audit.TransactionParams) string
	Submit(ctx context.Context, ev audit.Event) string
	Entries() []audit.Entry
	Stats() audit.Stats
	ForceFlush(ctx context.Context) audit.FlushResult
}

// AuditController serves /api/audit.
type AuditController struct {
	svc Recorder
	log *zap.Logger
}

func NewAuditController(svc Recorder, log *zap.Logger) *AuditController {
	return &AuditController{svc: svc, log: log.Named("audit-api")}
}

func (ac *AuditController) BasePath() string { return "audit" }

func (ac *AuditController) Handlers() []gin.HandlerFunc { return nil }

func (ac *AuditController) Register(rg *gin.RouterGroup) error {
	rg.POST("/access", ac.postAccess)
	rg.POST("/configuration", ac.postConfiguration)
	rg.POST("/credential-generation", ac.postCredentialGeneration)
	rg.POST("/credential-scan", ac.postCredentialScan)
	rg.POST("/transaction", ac.postTransaction)
	rg.POST("/events", ac.postEvent)
	rg.GET("/queue", ac.getQueue)
	rg.POST("/flush", ac.postFlush)
	return nil
}

type accessRequest struct {
	EventType     audit.EventType    `json:"eventType" binding:"required"`
	AccessMethod  audit.AccessMethod `json:"accessMethod"`
	SessionID     string             `json:"sessionId"`
	FailureReason string             `json:"failureReason"`
	UserID        string             `json:"userId"`
	BranchID      string             `json:"branchId"`
}

type configurationRequest struct {
	EventType      audit.EventType        `json:"eventType" binding:"required"`
	AdminUser      string                 `json:"adminUser"`
	DeviceID       string                 `json:"deviceId"`
	PreviousConfig map[string]interface{} `json:"previousConfig"`
	NewConfig      map[string]interface{} `json:"newConfig"`
	BranchID       string                 `json:"branchId"`
}

type credentialGenerationRequest struct {
	EventType    audit.EventType `json:"eventType" binding:"required"`
	SessionToken string          `json:"sessionToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	BranchID     string          `json:"branchId"`
}

type credentialScanRequest struct {
	EventType    audit.EventType  `json:"eventType" binding:"required"`
	SessionToken string           `json:"sessionToken"`
	SessionID    string           `json:"sessionId"`
	ErrorReason  string           `json:"errorReason"`
	Status       audit.ScanStatus `json:"status"`
	BranchID     string           `json:"branchId"`
}

type transactionRequest struct {
	EventType       audit.EventType    `json:"eventType" binding:"required"`
	TransactionType string             `json:"transactionType"`
	SessionID       string             `json:"sessionId"`
	Amount          *decimal.Decimal   `json:"amount"`
	Reference       string             `json:"reference"`
	ErrorReason     string             `json:"errorReason"`
	AccessMethod    audit.AccessMethod `json:"accessMethod"`
	UserID          string             `json:"userId"`
	BranchID        string             `json:"branchId"`
}

// bind decodes the body into req and attaches the caller's origin to the
// request context. It writes the error response itself.
func (ac *AuditController) bind(c *gin.Context, req interface{}) (context.Context, bool) {
	if err := c.ShouldBindJSON(req); err != nil {
		system.GetReqLogger(c, ac.log).Debug("invalid audit event payload", zap.Error(err))
		RespondBadRequestWithDetails(c, "invalid audit event payload", err.Error())
		return nil, false
	}
	return audit.WithOrigin(c.Request.Context(), originFrom(c)), true
}

func (ac *AuditController) respond(c *gin.Context, id string) {
	if id == "" {
		RespondRejected(c)
		return
	}
	RespondAccepted(c, id)
}

func (ac *AuditController) postAccess(c *gin.Context) {
	var req accessRequest
	ctx, ok := ac.bind(c, &req)
	if !ok {
		return
	}
	ac.respond(c, ac.svc.LogAccess(ctx, req.EventType, audit.AccessParams{
		AccessMethod:  req.AccessMethod,
		SessionID:     req.SessionID,
		FailureReason: req.FailureReason,
		UserID:        req.UserID,
		BranchID:      req.BranchID,
	}))
}

func (ac *AuditController) postConfiguration(c *gin.Context) {
	var req configurationRequest
	ctx, ok := ac.bind(c, &req)
	if !ok {
		return
	}
	ac.respond(c, ac.svc.LogConfiguration(ctx, req.EventType, audit.ConfigurationParams{
		AdminUser:      req.AdminUser,
		DeviceID:       req.DeviceID,
		PreviousConfig: req.PreviousConfig,
		NewConfig:      req.NewConfig,
		BranchID:       req.BranchID,
	}))
}

func (ac *AuditController) postCredentialGeneration(c *gin.Context) {
	var req credentialGenerationRequest
	ctx, ok := ac.bind(c, &req)
	if !ok {
		return
	}
	ac.respond(c, ac.svc.LogCredentialGeneration(ctx, req.EventType, audit.CredentialGenerationParams{
		SessionToken: req.SessionToken,
		ExpiresAt:    req.ExpiresAt,
		BranchID:     req.BranchID,
	}))
}

func (ac *AuditController) postCredentialScan(c *gin.Context) {
	var req credentialScanRequest
	ctx, ok := ac.bind(c, &req)
	if !ok {
		return
	}
	ac.respond(c, ac.svc.LogCredentialScan(ctx, req.EventType, audit.CredentialScanParams{
		SessionToken: req.SessionToken,
		SessionID:    req.SessionID,
		ErrorReason:  req.ErrorReason,
		Status:       req.Status,
		BranchID:     req.BranchID,
	}))
}

func (ac *AuditController) postTransaction(c *gin.Context) {
	var req transactionRequest
	ctx, ok := ac.bind(c, &req)
	if !ok {
		return
	}
	ac.respond(c, ac.svc.LogTransaction(ctx, req.EventType, audit.TransactionParams{
		TransactionType: req.TransactionType,
		SessionID:       req.SessionID,
		Amount:          req.Amount,
		Reference:       req.Reference,
		ErrorReason:     req.ErrorReason,
		AccessMethod:    req.AccessMethod,
		UserID:          req.UserID,
		BranchID:        req.BranchID,
	}))
}

// postEvent accepts a complete event as produced by another relay or an
// offline device. The kind is derived from the event type when omitted.
func (ac *AuditController) postEvent(c *gin.Context) {
	var ev audit.Event
	ctx, ok := ac.bind(c, &ev)
	if !ok {
		return
	}
	if ev.Kind == "" {
		ev.Kind = ev.Type.Kind()
	}
	ac.respond(c, ac.svc.Submit(ctx, ev))
}

type queueResponse struct {
	Size    int           `json:"size"`
	Stats   audit.Stats   `json:"stats"`
	Entries []audit.Entry `json:"entries,omitempty"`
}

func (ac *AuditController) getQueue(c *gin.Context) {
	stats := ac.svc.Stats()
	resp := queueResponse{Size: stats.QueueLength, Stats: stats}
	if c.Query("entries") == "true" {
		resp.Entries = ac.svc.Entries()
		resp.Size = len(resp.Entries)
	}
	c.JSON(http.StatusOK, resp)
}

func (ac *AuditController) postFlush(c *gin.Context) {
	if !ac.svc.Stats().Running {
		RespondServiceUnavailable(c, "audit service")
		return
	}
	result := ac.svc.ForceFlush(c.Request.Context())
	system.GetReqLogger(c, ac.log).Info("forced flush via API", zap.String("result", string(result)))
	c.JSON(http.StatusOK, gin.H{"result": result, "queueSize": ac.svc.Stats().QueueLength})
}

// originFrom describes the calling device. An explicit X-Device-Info header
// wins over the parsed User-Agent.
func originFrom(c *gin.Context) audit.Origin {
	return audit.Origin{
		DeviceInfo: deviceInfo(c.GetHeader("X-Device-Info"), c.Request.UserAgent()),
		IPAddress:  c.ClientIP(),
	}
}

func deviceInfo(explicit, userAgent string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if userAgent == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	class := "desktop"
	switch {
	case ua.Bot():
		class = "bot"
	case ua.Mobile():
		class = "mobile"
	}
	osName := ua.OS()
	if osName == "" {
		osName = "unknown os"
	}
	if name == "" {
		return fmt.Sprintf("%s; %s", osName, class)
	}
	return fmt.Sprintf("%s %s (%s; %s)", name, version, osName, class)
}
