package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/merge"
	"github.com/studybuddy/studysync/internal/cache/schema"
	"github.com/studybuddy/studysync/internal/remote"
)

func (r *syncingRepo) PullEvents(ctx context.Context, provider string) (*PullResult, error) {
	r.exchange.Lock()
	defer r.exchange.Unlock()

	start := r.db.Now()
	cursor, _, err := r.db.GetCursor(ctx, provider)
	if err != nil {
		return nil, err
	}

	records, err := r.source.FetchStagedSince(ctx, provider, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s events: %w", provider, err)
	}

	res := &PullResult{Provider: provider, Fetched: len(records), Cursor: cursor}
	for _, rec := range records {
		out, err := r.db.MergeEvent(ctx, rec, start)
		if err != nil {
			return res, fmt.Errorf("failed to merge %s event %q: %w", provider, rec.Title, err)
		}
		r.tally(res, out)
	}

	if err := r.db.SetCursor(ctx, provider, start); err != nil {
		return res, err
	}
	res.Cursor = start

	if p, ok := r.source.(pruner); ok && !cursor.IsZero() {
		if _, err := p.PruneStaged(ctx, provider, cursor); err != nil {
			r.logger.Warn("failed to prune staged events", "provider", provider, "error", err)
		}
	}

	r.logger.Info("pulled events", "provider", provider, "fetched", res.Fetched,
		"inserted", res.Inserted, "updated", res.Updated, "kept", res.Kept, "conflicts", res.Conflicts)
	return res, nil
}

func (r *syncingRepo) PullTasks(ctx context.Context) (*PullResult, error) {
	rem := r.current()
	if rem == nil {
		return &PullResult{Provider: TasksProvider}, nil
	}
	reader, ok := rem.(Reader)
	if !ok {
		return nil, ErrNoReader
	}

	r.exchange.Lock()
	defer r.exchange.Unlock()

	start := r.db.Now()
	cursor, ok, err := r.db.GetCursor(ctx, TasksProvider)
	if err != nil {
		return nil, err
	}
	var filters []remote.Filter
	if ok {
		filters = append(filters, remote.Gt("updated_at", schema.FormatTime(cursor)))
	}

	rows, err := reader.Select(ctx, schema.TableTasks, "*", filters...)
	if err != nil {
		return nil, fmt.Errorf("%w: select tasks: %w", ErrRemote, err)
	}

	res := &PullResult{Provider: TasksProvider, Fetched: len(rows), Cursor: cursor}
	for _, raw := range rows {
		var task schema.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			r.logger.Warn("skipping undecodable remote task", "error", err)
			res.Skipped++
			continue
		}
		if !task.Identity().Valid() || task.UpdatedAt.IsZero() {
			r.logger.Warn("skipping remote task without key or updated_at", "title", task.Title)
			res.Skipped++
			continue
		}
		out, err := r.db.MergeTask(ctx, &task, start)
		if err != nil {
			return res, fmt.Errorf("failed to merge remote task %s: %w", task.Identity(), err)
		}
		r.tally(res, out)
	}

	if err := r.db.SetCursor(ctx, TasksProvider, start); err != nil {
		return res, err
	}
	res.Cursor = start

	r.logger.Info("pulled tasks", "fetched", res.Fetched, "inserted", res.Inserted,
		"updated", res.Updated, "kept", res.Kept, "skipped", res.Skipped, "conflicts", res.Conflicts)
	return res, nil
}

// tally counts a merge outcome and reports its conflict, if any.
func (r *syncingRepo) tally(res *PullResult, out *db.MergeOutcome) {
	switch out.Action {
	case merge.ActionInsert:
		res.Inserted++
	case merge.ActionTakeRemote:
		res.Updated++
	case merge.ActionKeepLocal:
		res.Kept++
	}
	if out.Superseded > 0 {
		r.logger.Info("dropped queued ops replaced by remote", "row", out.RowID, "ops", out.Superseded)
	}
	if c := out.Conflict; c != nil {
		res.Conflicts++
		r.logger.Warn("conflict forked", "table", c.Table, "original", c.OriginalID, "fork", c.ForkID,
			"resolution", c.Resolution, "local_updated_at", c.LocalUpdatedAt.Format(time.RFC3339),
			"remote_updated_at", c.RemoteUpdatedAt.Format(time.RFC3339))
		r.notify(KindConflict, c)
	}
}
