package daemon

import (
	"context"
	"fmt"

	"github.com/studybuddy/studysync/internal/cache/sync"
	"github.com/studybuddy/studysync/internal/worker"
)

// Job types handled by the worker pool.
const (
	// JobSyncAppEvents pulls staged events for the provider in the payload.
	JobSyncAppEvents = "sync_app_events"

	// JobPushPending drains the outbox.
	JobPushPending = "push_pending"

	// JobPullTasks pulls remote task changes.
	JobPullTasks = "pull_tasks"
)

// Registrar binds job handlers.
type Registrar interface {
	Register(jobType string, h worker.Handler)
}

// RegisterJobs binds the sync job handlers to pool.
func RegisterJobs(pool Registrar, repo sync.Repo) {
	pool.Register(JobSyncAppEvents, func(ctx context.Context, payload any) error {
		provider, ok := payload.(string)
		if !ok || provider == "" {
			return fmt.Errorf("%s: payload must be a provider name, got %T", JobSyncAppEvents, payload)
		}
		_, err := repo.PullEvents(ctx, provider)
		return err
	})

	pool.Register(JobPushPending, func(ctx context.Context, payload any) error {
		_, err := repo.PushPending(ctx)
		return err
	})

	pool.Register(JobPullTasks, func(ctx context.Context, payload any) error {
		_, err := repo.PullTasks(ctx)
		return err
	})
}
