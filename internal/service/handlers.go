package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/finsync-worker/internal/tasks"
)

// Handlers maps every sync task name to the service entry point that runs it
func (s *SyncService) Handlers() map[string]tasks.Handler {
	return map[string]tasks.Handler{
		tasks.FullSync: func(ctx context.Context, args tasks.Args) error {
			env := args.Environment
			if env == "" {
				env = s.defaultEnv
			}
			_, err := s.FullSync(ctx, args.CompanyID, env)
			return err
		},
		tasks.IncrementalSync: func(ctx context.Context, args tasks.Args) error {
			_, err := s.IncrementalSync(ctx, args.CompanyID, args.SubscriptionID)
			return err
		},
		tasks.RefreshTransfers: func(ctx context.Context, args tasks.Args) error {
			changed, err := s.RefreshTransfers(ctx, args.CompanyID, args.SubscriptionID)
			if err == nil {
				log.Info().Int64("company_id", args.CompanyID).Int("changed", changed).Msg("Transfers refreshed")
			}
			return err
		},
	}
}
