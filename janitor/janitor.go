// Package janitor reconciles the metadata and content stores out of band.
//
// The expiry pass removes records (and their content) not read within the TTL.
// The orphan pass removes content no record points at. Neither consults
// capability grants: a grant for an expired key simply dangles. Generation
// indexes outlive their records, so the key behind a dangling grant is never
// reused. Individual failures are logged and skipped so one bad entry never
// stops a pass.
package janitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
)

// Pass names used in reports and logs
const (
	PassExpiry     = "expiry"
	PassOrphans    = "orphans"
	PassIndexes    = "indexes"
	PassJobHistory = "job_history"
)

// JobHistory prunes terminal jobs from the queue's own storage
type JobHistory interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config controls what the passes consider stale
type Config struct {
	TTL time.Duration
	// OrphanGrace protects freshly written content whose record is still being created
	OrphanGrace time.Duration
}

// PassReport counts what one pass did
type PassReport struct {
	Pass     string
	Scanned  int
	Deleted  int
	Repaired int
	Skipped  int
	Errors   int
	Duration time.Duration
}

// Report collects every pass of one Run
type Report struct {
	Expiry     PassReport
	Orphans    PassReport
	Indexes    PassReport
	JobHistory PassReport
}

// Janitor runs the reconciliation passes
type Janitor struct {
	records *cache.Records
	content cache.ContentStore
	queue   cache.TaskQueue
	history JobHistory

	ttl   atomic.Int64
	grace atomic.Int64

	logger *zap.SugaredLogger
	now    func() time.Time
}

// Option configures a Janitor
type Option func(*Janitor)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// WithJobHistory enables the job-history pass
func WithJobHistory(h JobHistory) Option {
	return func(j *Janitor) { j.history = h }
}

// New creates a janitor. queue is consulted before expiring a record whose job
// may still be running.
func New(records *cache.Records, content cache.ContentStore, queue cache.TaskQueue, cfg Config, log *zap.SugaredLogger, opts ...Option) *Janitor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	j := &Janitor{
		records: records,
		content: content,
		queue:   queue,
		logger:  logger.AddJanitorSymbol(log.Named("janitor")),
		now:     time.Now,
	}
	j.SetConfig(cfg)
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// SetConfig swaps thresholds; safe while passes run
func (j *Janitor) SetConfig(cfg Config) {
	j.ttl.Store(int64(cfg.TTL))
	j.grace.Store(int64(cfg.OrphanGrace))
}

// Config returns the current thresholds
func (j *Janitor) Config() Config {
	return Config{TTL: time.Duration(j.ttl.Load()), OrphanGrace: time.Duration(j.grace.Load())}
}

// Run executes every pass concurrently
func (j *Janitor) Run(ctx context.Context) (Report, error) {
	var rep Report
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		rep.Expiry, err = j.Expire(gctx)
		return err
	})
	g.Go(func() (err error) {
		rep.Orphans, err = j.CollectOrphans(gctx)
		return err
	})
	g.Go(func() (err error) {
		rep.JobHistory, err = j.PruneJobHistory(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return rep, err
	}

	idx, err := j.RepairIndexes(ctx)
	rep.Indexes = idx
	return rep, err
}

// Expire deletes every record whose last access is older than the TTL, then its
// content. Records with a job still queued or running are skipped, as are records
// touched between load and delete.
func (j *Janitor) Expire(ctx context.Context) (PassReport, error) {
	rep := PassReport{Pass: PassExpiry}
	start := j.now()
	ttl := time.Duration(j.ttl.Load())
	cutoff := start.Add(-ttl)

	keys, err := j.records.Keys(ctx)
	if err != nil {
		return rep, err
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec, raw, err := j.records.Load(ctx, k)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			rep.Errors++
			j.logger.Warnw("Failed to load record", logger.FieldCacheKey, k.Short(), logger.FieldError, err)
			continue
		}
		rep.Scanned++

		if !rec.LastAccess.Before(cutoff) {
			continue
		}
		if rec.State.Pending() && j.jobPending(ctx, rec) {
			rep.Skipped++
			continue
		}

		ok, err := j.records.Remove(ctx, k, raw)
		if err != nil {
			rep.Errors++
			j.logger.Warnw("Failed to delete expired record", logger.FieldCacheKey, k.Short(), logger.FieldError, err)
			continue
		}
		if !ok {
			rep.Skipped++
			continue
		}
		if err := j.content.Delete(ctx, rec.ContentHandle); err != nil {
			// The orphan pass retries this
			rep.Errors++
			j.logger.Warnw("Failed to delete expired content",
				logger.FieldCacheKey, k.Short(),
				logger.FieldContentHandle, rec.ContentHandle,
				logger.FieldError, err)
		}
		rep.Deleted++
		j.logger.Debugw("Expired cache entry",
			logger.FieldCacheKey, k.Short(),
			logger.FieldAge, start.Sub(rec.LastAccess).Round(time.Second).String())
	}

	rep.Duration = j.now().Sub(start)
	j.logPass(rep)
	return rep, nil
}

func (j *Janitor) jobPending(ctx context.Context, rec *cache.Record) bool {
	if j.queue == nil {
		return true
	}
	st, err := j.queue.Poll(ctx, rec.JobHandle)
	if err != nil {
		j.logger.Warnw("Failed to poll job, keeping record", logger.FieldJobID, rec.JobHandle, logger.FieldError, err)
		return true
	}
	return st.State.Pending()
}

// CollectOrphans deletes content with no record pointing at it. Content is listed
// before records so an entry whose record appears mid-pass is kept; content younger
// than the grace age is always kept.
func (j *Janitor) CollectOrphans(ctx context.Context) (PassReport, error) {
	rep := PassReport{Pass: PassOrphans}
	start := j.now()
	grace := time.Duration(j.grace.Load())

	entries, err := j.content.List(ctx)
	if err != nil {
		return rep, err
	}
	live, err := j.liveHandles(ctx)
	if err != nil {
		return rep, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		if _, ok := live[e.Handle]; ok {
			continue
		}
		if start.Sub(e.ModTime) < grace {
			rep.Skipped++
			continue
		}
		if err := j.content.Delete(ctx, e.Handle); err != nil {
			rep.Errors++
			j.logger.Warnw("Failed to delete orphaned content", logger.FieldContentHandle, e.Handle, logger.FieldError, err)
			continue
		}
		rep.Deleted++
		j.logger.Debugw("Deleted orphaned content", logger.FieldContentHandle, e.Handle, logger.FieldSize, e.Size)
	}

	rep.Duration = j.now().Sub(start)
	j.logPass(rep)
	return rep, nil
}

func (j *Janitor) liveHandles(ctx context.Context) (map[string]struct{}, error) {
	keys, err := j.records.Keys(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		rec, _, err := j.records.Load(ctx, k)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			// Unknown ownership; refuse to guess
			return nil, errors.Wrapf(err, "cannot determine live content")
		}
		live[rec.ContentHandle] = struct{}{}
	}
	return live, nil
}

// RepairIndexes raises any generation index that lags behind a live record.
// Indexes are never deleted: they are what keeps an expired key from being
// issued a second time.
func (j *Janitor) RepairIndexes(ctx context.Context) (PassReport, error) {
	rep := PassReport{Pass: PassIndexes}
	start := j.now()

	keys, err := j.records.Keys(ctx)
	if err != nil {
		return rep, err
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec, _, err := j.records.Load(ctx, k)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			rep.Errors++
			continue
		}
		rep.Scanned++

		latest, indexed, err := j.records.Generation(ctx, rec.Digest)
		if err != nil {
			rep.Errors++
			j.logger.Warnw("Failed to load index", logger.FieldDigest, rec.Digest.Short(), logger.FieldError, err)
			continue
		}
		if indexed && latest >= rec.Generation {
			continue
		}
		if err := j.records.AdvanceGeneration(ctx, rec.Digest, rec.Generation); err != nil {
			rep.Errors++
			j.logger.Warnw("Failed to repair index",
				logger.FieldDigest, rec.Digest.Short(),
				logger.FieldGeneration, rec.Generation,
				logger.FieldError, err)
			continue
		}
		rep.Repaired++
	}

	rep.Duration = j.now().Sub(start)
	j.logPass(rep)
	return rep, nil
}

// PruneJobHistory drops terminal queue rows older than the TTL
func (j *Janitor) PruneJobHistory(ctx context.Context) (PassReport, error) {
	rep := PassReport{Pass: PassJobHistory}
	if j.history == nil {
		return rep, nil
	}
	start := j.now()
	n, err := j.history.Cleanup(ctx, time.Duration(j.ttl.Load()))
	if err != nil {
		rep.Errors++
		j.logger.Warnw("Failed to prune job history", logger.FieldError, err)
		return rep, nil
	}
	rep.Deleted = n
	rep.Duration = j.now().Sub(start)
	j.logPass(rep)
	return rep, nil
}

func (j *Janitor) logPass(rep PassReport) {
	if rep.Deleted == 0 && rep.Repaired == 0 && rep.Errors == 0 {
		j.logger.Debugw("Janitor pass complete", logger.FieldPass, rep.Pass, "scanned", rep.Scanned)
		return
	}
	j.logger.Infow("Janitor pass complete",
		logger.FieldPass, rep.Pass,
		"scanned", rep.Scanned,
		"deleted", rep.Deleted,
		"repaired", rep.Repaired,
		"skipped", rep.Skipped,
		"errors", rep.Errors,
		logger.FieldDurationMS, rep.Duration.Milliseconds())
}
