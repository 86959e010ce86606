package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/config"
	"github.com/vipul43/finsync-worker/internal/metrics"
	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/repository"
	"github.com/vipul43/finsync-worker/internal/tasks"
	"github.com/vipul43/finsync-worker/internal/wise"
)

type ReceiptStore interface {
	RecordReceipt(ctx context.Context, receipt *models.WebhookReceipt) error
}

type SettingsReader interface {
	Get(ctx context.Context, companyID int64, environment string) (*models.ProviderSettings, error)
}

type WebhookDeps struct {
	Config           config.WiseConfig
	PrimaryCompanyID int64
	Subscriptions    SubscriptionLookup
	Receipts         ReceiptStore
	Settings         SettingsReader
	Cipher           wise.Cipher
	Dispatcher       tasks.Dispatcher
	Audit            Auditor
}

// WebhookService verifies and routes inbound Wise deliveries. It never runs a
// sync inline.
type WebhookService struct {
	WebhookDeps
}

func NewWebhookService(deps WebhookDeps) *WebhookService {
	return &WebhookService{WebhookDeps: deps}
}

type WebhookResult struct {
	Status    string `json:"status"`
	CompanyID int64  `json:"-"`
	Task      string `json:"-"`
}

// Receive handles one delivery. Routing failures and signature mismatches
// are returned as errors after the receipt is recorded.
func (s *WebhookService) Receive(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	payload, stored := parseWebhook(body)
	subscriptionID := webhookString(payload, "subscriptionId", "subscription_id")
	eventType := webhookString(payload, "eventType", "event_type")
	if eventType == "" {
		eventType = "unknown"
	}
	logger := log.With().Str("event_type", eventType).Str("subscription_id", subscriptionID).Logger()

	var sub *models.WebhookSubscription
	if subscriptionID != "" {
		found, err := s.Subscriptions.GetBySubscriptionID(ctx, subscriptionID)
		if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, err
		}
		sub = found
	}

	// a disconnected environment keeps its subscription row but no longer
	// syncs, so its deliveries are not routed to anyone
	if sub != nil && sub.Status != models.SubscriptionActive {
		s.record(ctx, &sub.CompanyID, subscriptionID, eventType, models.ReceiptRejected, "subscription_inactive", stored)
		metrics.WebhookReceiptsTotal.WithLabelValues("unroutable").Inc()
		logger.Warn().Int64("company_id", sub.CompanyID).Msg("Webhook for inactive subscription")
		return nil, apperr.Routing("Webhook not routed")
	}

	companyID := s.PrimaryCompanyID
	environment := s.Config.DefaultEnvironment
	if sub != nil {
		companyID = sub.CompanyID
		environment = sub.Environment
	}
	if companyID == 0 {
		s.record(ctx, nil, subscriptionID, eventType, models.ReceiptRejected, "unroutable", stored)
		metrics.WebhookReceiptsTotal.WithLabelValues("unroutable").Inc()
		logger.Warn().Msg("Webhook could not be routed to a company")
		return nil, apperr.Routing("Webhook not routed")
	}

	secret, err := s.resolveSecret(ctx, sub, companyID, environment)
	if err != nil {
		return nil, err
	}
	if !verifySignature(body, signature, secret) {
		s.record(ctx, &companyID, subscriptionID, eventType, models.ReceiptRejected, "signature_mismatch", stored)
		metrics.WebhookReceiptsTotal.WithLabelValues(models.ReceiptRejected).Inc()
		s.logAudit(ctx, companyID, "wise.webhook.rejected", subscriptionID, eventType)
		logger.Warn().Int64("company_id", companyID).Msg("Webhook signature mismatch")
		return nil, apperr.Signature("Invalid signature")
	}

	if err := s.record(ctx, &companyID, subscriptionID, eventType, models.ReceiptReceived, "", stored); err != nil {
		return nil, err
	}
	metrics.WebhookReceiptsTotal.WithLabelValues(models.ReceiptReceived).Inc()

	task := tasks.IncrementalSync
	if s.Config.Route(eventType) == config.RouteTransfers {
		task = tasks.RefreshTransfers
	}
	args := tasks.Args{CompanyID: companyID}
	if sub != nil {
		args.SubscriptionID = sub.SubscriptionID
		args.Environment = sub.Environment
	}
	if err := s.Dispatcher.Dispatch(ctx, task, args); err != nil {
		// the receipt is durable, so the delivery is still acknowledged
		logger.Error().Err(err).Int64("company_id", companyID).Str("task", task).Msg("Failed to dispatch webhook task")
	}
	s.logAudit(ctx, companyID, "wise.webhook.received", subscriptionID, eventType)
	return &WebhookResult{Status: "ok", CompanyID: companyID, Task: task}, nil
}

// resolveSecret prefers the subscription's secret, then the company's stored
// webhook secret, then the process default
func (s *WebhookService) resolveSecret(ctx context.Context, sub *models.WebhookSubscription, companyID int64, environment string) (string, error) {
	if sub != nil && sub.SecretEncrypted != nil && *sub.SecretEncrypted != "" {
		secret, err := s.Cipher.Decrypt(*sub.SecretEncrypted)
		if err == nil {
			return secret, nil
		}
		log.Warn().Err(err).Str("subscription_id", sub.SubscriptionID).Msg("Failed to decrypt subscription secret")
	}

	stored, err := s.Settings.Get(ctx, companyID, environment)
	if err != nil && !errors.Is(err, repository.ErrSettingsNotFound) {
		return "", err
	}
	if stored != nil && stored.WebhookSecretEncrypted != nil {
		secret, err := s.Cipher.Decrypt(*stored.WebhookSecretEncrypted)
		if err == nil {
			return secret, nil
		}
		log.Warn().Err(err).Int64("company_id", companyID).Msg("Failed to decrypt stored webhook secret")
	}
	return s.Config.WebhookSecret, nil
}

func (s *WebhookService) record(ctx context.Context, companyID *int64, subscriptionID, eventType, status, reason string, payload datatypes.JSON) error {
	receipt := &models.WebhookReceipt{
		CompanyID: companyID,
		EventType: eventType,
		Status:    status,
		Payload:   payload,
	}
	if subscriptionID != "" {
		receipt.SubscriptionID = &subscriptionID
	}
	if reason != "" {
		receipt.Reason = &reason
	}
	if err := s.Receipts.RecordReceipt(ctx, receipt); err != nil {
		log.Error().Err(err).Str("status", status).Msg("Failed to record webhook receipt")
		return err
	}
	return nil
}

func (s *WebhookService) logAudit(ctx context.Context, companyID int64, action, subscriptionID, eventType string) {
	if s.Audit == nil {
		return
	}
	if subscriptionID == "" {
		subscriptionID = "unknown"
	}
	if err := s.Audit.Log(ctx, repository.AuditEntry{
		CompanyID:  &companyID,
		Action:     action,
		EntityType: "webhook",
		EntityID:   subscriptionID,
		Metadata:   map[string]interface{}{"event_type": eventType},
	}); err != nil {
		log.Error().Err(err).Str("audit_action", action).Msg("Failed to write audit log")
	}
}

// verifySignature compares the hex HMAC-SHA256 of body in constant time. A
// missing signature or secret never verifies.
func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// parseWebhook never fails: anything but a JSON object reads as empty
func parseWebhook(body []byte) (map[string]interface{}, datatypes.JSON) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return map[string]interface{}{}, datatypes.JSON("{}")
	}
	return payload, datatypes.JSON(body)
}

func webhookString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
