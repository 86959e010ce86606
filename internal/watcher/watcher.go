package watcher

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/tasks"
)

type CredentialLister interface {
	ListAll(ctx context.Context) ([]models.Credential, error)
}

// Watcher periodically queues a full sync for every connected company and
// environment
type Watcher struct {
	creds      CredentialLister
	dispatcher tasks.Dispatcher
	interval   time.Duration
}

func New(creds CredentialLister, dispatcher tasks.Dispatcher, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Watcher{
		creds:      creds,
		dispatcher: dispatcher,
		interval:   interval,
	}
}

// Start enqueues once immediately, then on every tick until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	log.Info().Dur("interval", w.interval).Msg("Starting sync scheduler")

	if _, err := w.EnqueueAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to enqueue syncs on startup")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sync scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.EnqueueAll(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to enqueue scheduled syncs")
			}
		}
	}
}

// EnqueueAll dispatches one full sync per credential. A dispatch failure for
// one company does not stop the others.
func (w *Watcher) EnqueueAll(ctx context.Context) (int, error) {
	creds, err := w.creds.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, cred := range creds {
		args := tasks.Args{CompanyID: cred.CompanyID, Environment: cred.Environment}
		if err := w.dispatcher.Dispatch(ctx, tasks.FullSync, args); err != nil {
			log.Error().Err(err).
				Int64("company_id", cred.CompanyID).
				Str("environment", cred.Environment).
				Msg("Failed to enqueue scheduled sync")
			continue
		}
		queued++
	}
	if queued > 0 {
		log.Info().Int("count", queued).Msg("Scheduled syncs enqueued")
	}
	return queued, nil
}
