package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/lock"
	"github.com/vipul43/finsync-worker/internal/metrics"
	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/repository"
	"github.com/vipul43/finsync-worker/internal/wise"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeLocked  Outcome = "locked"
	OutcomeQueued  Outcome = "queued"
)

// SyncConnector runs sync passes for one company and environment
type SyncConnector interface {
	FullSync(ctx context.Context, counts *wise.Counts) error
	IncrementalSync(ctx context.Context, counts *wise.Counts) error
	RefreshTransfers(ctx context.Context) (int, error)
}

type SyncRunStore interface {
	Start(ctx context.Context, companyID int64, provider, environment, kind, traceID string) (*models.SyncRun, error)
	Finish(ctx context.Context, runID string, status models.SyncRunStatus, counts map[string]int, errMsg *string) error
}

type SyncCredentialStore interface {
	Get(ctx context.Context, companyID int64, environment string) (*models.Credential, error)
	FirstForCompany(ctx context.Context, companyID int64) (*models.Credential, error)
	MarkSynced(ctx context.Context, credentialID string, at time.Time) error
}

type SubscriptionLookup interface {
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error)
}

type Auditor interface {
	Log(ctx context.Context, entry repository.AuditEntry) error
}

type SyncResult struct {
	Outcome Outcome
	RunID   string
	Counts  map[string]int
}

// SyncService is the lock-guarded entry point for every sync task
type SyncService struct {
	locker     lock.Locker
	runs       SyncRunStore
	creds      SyncCredentialStore
	subs       SubscriptionLookup
	audit      Auditor
	connectors func(companyID int64, environment string) SyncConnector
	defaultEnv string
	now        func() time.Time
}

func NewSyncService(
	locker lock.Locker,
	runs SyncRunStore,
	creds SyncCredentialStore,
	subs SubscriptionLookup,
	audit Auditor,
	connectors func(companyID int64, environment string) SyncConnector,
	defaultEnv string,
) *SyncService {
	return &SyncService{
		locker:     locker,
		runs:       runs,
		creds:      creds,
		subs:       subs,
		audit:      audit,
		connectors: connectors,
		defaultEnv: defaultEnv,
		now:        time.Now,
	}
}

// FullSync rediscovers profiles and accounts, then syncs balances and
// transactions and registers the webhook
func (s *SyncService) FullSync(ctx context.Context, companyID int64, environment string) (*SyncResult, error) {
	return s.run(ctx, companyID, environment, models.SyncKindFull, func(ctx context.Context, c SyncConnector, counts *wise.Counts) error {
		return c.FullSync(ctx, counts)
	})
}

// IncrementalSync refreshes balances and transactions. The environment comes
// from the subscription when one is given.
func (s *SyncService) IncrementalSync(ctx context.Context, companyID int64, subscriptionID string) (*SyncResult, error) {
	environment, err := s.resolveEnvironment(ctx, companyID, subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, companyID, environment, models.SyncKindIncremental, func(ctx context.Context, c SyncConnector, counts *wise.Counts) error {
		return c.IncrementalSync(ctx, counts)
	})
}

// RefreshTransfers updates the status of in-flight transfers. It only touches
// transfer rows, so it does not take the sync lock.
func (s *SyncService) RefreshTransfers(ctx context.Context, companyID int64, subscriptionID string) (int, error) {
	environment, err := s.resolveEnvironment(ctx, companyID, subscriptionID)
	if err != nil {
		return 0, err
	}
	changed, err := s.connectors(companyID, environment).RefreshTransfers(ctx)
	meta := map[string]interface{}{"environment": environment, "changed": changed}
	if err != nil {
		meta["error"] = err.Error()
	}
	s.logAudit(ctx, companyID, "wise.transfers.refresh", "integration", fmt.Sprint(companyID), meta)
	return changed, err
}

func (s *SyncService) resolveEnvironment(ctx context.Context, companyID int64, subscriptionID string) (string, error) {
	if subscriptionID != "" {
		sub, err := s.subs.GetBySubscriptionID(ctx, subscriptionID)
		if err == nil && sub.CompanyID == companyID {
			return sub.Environment, nil
		}
		if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
			return "", err
		}
	}
	cred, err := s.creds.FirstForCompany(ctx, companyID)
	if err == nil {
		return cred.Environment, nil
	}
	if !errors.Is(err, repository.ErrCredentialNotFound) {
		return "", err
	}
	return s.defaultEnv, nil
}

type syncStep func(ctx context.Context, c SyncConnector, counts *wise.Counts) error

func (s *SyncService) run(ctx context.Context, companyID int64, environment, kind string, step syncStep) (result *SyncResult, err error) {
	key := lock.Key{CompanyID: companyID, Provider: models.ProviderWise, Environment: environment}
	logger := log.With().Int64("company_id", companyID).Str("environment", environment).Str("kind", kind).Logger()

	if !s.locker.TryAcquire(ctx, key) {
		metrics.SyncRunsTotal.WithLabelValues(kind, string(OutcomeLocked)).Inc()
		logger.Info().Msg("Sync already running, skipping")
		return &SyncResult{Outcome: OutcomeLocked}, nil
	}
	defer s.locker.Release(ctx, key)

	traceID := uuid.New().String()
	run, err := s.runs.Start(ctx, companyID, models.ProviderWise, environment, kind, traceID)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("run_id", run.ID).Str("trace_id", traceID).Logger()
	logger.Info().Msg("Sync started")

	var counts wise.Counts
	// the run is finished even if the connector panics
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
		result = s.finish(context.WithoutCancel(ctx), run, companyID, environment, kind, counts, err)
		if err != nil {
			logger.Error().Err(err).Interface("counts", counts.Map()).Msg("Sync failed")
		} else {
			logger.Info().Interface("counts", counts.Map()).Msg("Sync completed")
		}
	}()

	err = step(ctx, s.connectors(companyID, environment), &counts)
	return nil, err
}

func (s *SyncService) finish(ctx context.Context, run *models.SyncRun, companyID int64, environment, kind string, counts wise.Counts, runErr error) *SyncResult {
	result := &SyncResult{Outcome: OutcomeSuccess, RunID: run.ID, Counts: counts.Map()}
	status := models.SyncRunSuccess
	var errMsg *string
	if runErr != nil {
		result.Outcome = OutcomeFailed
		status = models.SyncRunFailed
		msg := apperr.Detail(runErr)
		errMsg = &msg
	}

	if err := s.runs.Finish(ctx, run.ID, status, result.Counts, errMsg); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to finish sync run")
	}
	metrics.SyncRunsTotal.WithLabelValues(kind, string(result.Outcome)).Inc()

	meta := map[string]interface{}{"environment": environment, "run_id": run.ID, "counts": result.Counts}
	if runErr != nil {
		meta["error"] = *errMsg
	} else if cred, err := s.creds.Get(ctx, companyID, environment); err == nil {
		if err := s.creds.MarkSynced(ctx, cred.ID, s.now()); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark credential synced")
		}
	}
	s.logAudit(ctx, companyID, auditAction(kind, runErr != nil), "sync_run", run.ID, meta)
	return result
}

func auditAction(kind string, failed bool) string {
	switch {
	case kind == models.SyncKindFull && failed:
		return "wise.sync.failed"
	case kind == models.SyncKindFull:
		return "wise.sync.completed"
	case failed:
		return "wise.sync.incremental_failed"
	default:
		return "wise.sync.incremental"
	}
}

func (s *SyncService) logAudit(ctx context.Context, companyID int64, action, entityType, entityID string, meta map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, repository.AuditEntry{
		CompanyID:  &companyID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   meta,
	}); err != nil {
		log.Error().Err(err).Str("audit_action", action).Msg("Failed to write audit log")
	}
}
