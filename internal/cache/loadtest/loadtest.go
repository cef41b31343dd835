// Package loadtest exercises the cache under concurrent offline writes.
//
// It seeds a cache with a mix of synced and dirty tasks, runs writers that
// save offline while readers list tasks, and then drains the outbox through
// a remote to measure push throughput.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/schema"
	cachesync "github.com/studybuddy/studysync/internal/cache/sync"
)

// TestCache is a populated cache for load testing.
type TestCache struct {
	DB         *db.DB
	TaskIDs    []int64
	DirtyIDs   []int64
	TotalTasks int
	DirtyPct   float64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// CreateTestCache creates a cache at path with numTasks tasks. dirtyPct of
// them are saved offline, so they are dirty and have a queued upsert.
func CreateTestCache(path string, numTasks int, dirtyPct float64) (*TestCache, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	tc := &TestCache{
		DB:         database,
		TaskIDs:    make([]int64, 0, numTasks),
		TotalTasks: numTasks,
		DirtyPct:   dirtyPct,
	}

	ctx := context.Background()
	numDirty := int(float64(numTasks) * dirtyPct)
	for i, task := range generateTasks(numTasks) {
		var stored *schema.Task
		if i < numDirty {
			stored, err = database.SaveTaskOffline(ctx, task)
		} else {
			stored, err = database.UpsertTask(ctx, task, false)
		}
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to insert task %d: %w", i, err)
		}
		tc.TaskIDs = append(tc.TaskIDs, stored.ID)
		if stored.Dirty {
			tc.DirtyIDs = append(tc.DirtyIDs, stored.ID)
		}
	}
	return tc, nil
}

// Close closes the test cache.
func (tc *TestCache) Close() error {
	if tc.DB != nil {
		return tc.DB.Close()
	}
	return nil
}

// RunConcurrentWrites runs numWriters goroutines that each save
// writesPerWriter tasks offline, alongside the same number of readers
// listing tasks. It returns write latencies.
func (tc *TestCache) RunConcurrentWrites(numWriters, writesPerWriter int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWriters)
	errorsChan := make(chan error, 2*numWriters)
	done := make(chan struct{})

	var readers sync.WaitGroup
	for i := 0; i < numWriters; i++ {
		readers.Add(1)
		go func(readerID int) {
			defer readers.Done()
			ctx := context.Background()
			for {
				select {
				case <-done:
					return
				default:
				}
				tasks, err := tc.DB.ListTasks(ctx, db.TaskFilter{Limit: 50})
				if err != nil {
					errorsChan <- fmt.Errorf("reader %d failed: %w", readerID, err)
					return
				}
				for _, t := range tasks {
					if t.ID == 0 || t.SourceID == "" {
						errorsChan <- fmt.Errorf("reader %d found task without identity: %+v", readerID, t)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			ctx := context.Background()
			durations := make([]time.Duration, 0, writesPerWriter)
			for j := 0; j < writesPerWriter; j++ {
				task := &schema.Task{Title: fmt.Sprintf("Writer %d task %d", writerID, j)}
				start := time.Now()
				_, err := tc.DB.SaveTaskOffline(ctx, task)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("writer %d write %d failed: %w", writerID, j, err)
					break
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(done)
	readers.Wait()
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	var firstErr error
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no writes completed: %v", firstErr)
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// PushResult reports an outbox drain.
type PushResult struct {
	Pushed    int
	Remaining int
	Elapsed   time.Duration
}

// DrainOutbox pushes every queued op through rem and times it.
func (tc *TestCache) DrainOutbox(ctx context.Context, rem cachesync.Remote) (*PushResult, error) {
	repo := cachesync.New(tc.DB, &cachesync.Config{Remote: rem})
	start := time.Now()
	res, err := repo.PushPending(ctx)
	if err != nil {
		return nil, err
	}
	return &PushResult{Pushed: res.Pushed, Remaining: res.Remaining, Elapsed: time.Since(start)}, nil
}

// EchoRemote acknowledges every write without I/O, optionally after Delay.
type EchoRemote struct {
	Delay time.Duration

	mu      sync.Mutex
	upserts int
	deletes int
}

func (e *EchoRemote) Upsert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.upserts++
	e.mu.Unlock()
	return payload, nil
}

func (e *EchoRemote) Delete(ctx context.Context, table, column, value string) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.deletes++
	e.mu.Unlock()
	return nil
}

// Counts returns the number of acknowledged upserts and deletes.
func (e *EchoRemote) Counts() (upserts, deletes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.upserts, e.deletes
}

func (e *EchoRemote) wait(ctx context.Context) error {
	if e.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(e.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// generateTasks creates test tasks spread over courses, priorities and due dates.
func generateTasks(count int) []*schema.Task {
	tasks := make([]*schema.Task, count)
	types := []string{"assignment", "reading", "exam"}
	courses := []string{"CS101", "MATH201", "HIST110", "BIO150"}

	// Priority distribution weighted toward 2
	priorities := []int{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}

	base := time.Now().UTC().Truncate(time.Hour)
	for i := 0; i < count; i++ {
		due := base.Add(time.Duration(i%21-7) * 24 * time.Hour)
		tasks[i] = &schema.Task{
			Title:             fmt.Sprintf("Task %d: %s", i, types[i%len(types)]),
			Type:              types[i%len(types)],
			CourseLabel:       courses[i%len(courses)],
			Priority:          priorities[i%len(priorities)],
			EstimatedDuration: 30 + 15*(i%6),
			DueDate:           &due,
		}
	}
	return tasks
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// WriteStats formats latency statistics to w.
func (s *LatencyStats) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Writes:  %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
