package extract

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
	"github.com/teranos/cachet/pulse/async"
)

// Reporter receives the outcome of an extraction. *cache.Orchestrator implements it.
type Reporter interface {
	Finalize(ctx context.Context, key cache.Key, jobHandle string, result cache.TaskResult) error
	Fail(ctx context.Context, key cache.Key, jobHandle string, jobErr string) error
}

// HandlerConfig tunes the extraction handler
type HandlerConfig struct {
	// Timeout bounds one backend fetch (0 = no limit beyond the job context)
	Timeout time.Duration
	// MaxRequestsPerMinute limits fetches per (origin, kind) tag (0 = unlimited)
	MaxRequestsPerMinute int
	// ReportTimeout bounds how long the handler waits for the cache record to
	// appear before reporting. The orchestrator writes the record after enqueueing.
	ReportTimeout time.Duration
}

// Handler is the async.JobHandler that runs extraction jobs
type Handler struct {
	registry *Registry
	content  cache.ContentStore
	reporter Reporter
	queue    *async.Queue
	cfg      HandlerConfig
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[Tag]*rate.Limiter
}

// NewHandler creates the extraction handler
func NewHandler(registry *Registry, content cache.ContentStore, reporter Reporter, queue *async.Queue, cfg HandlerConfig, log *zap.SugaredLogger) *Handler {
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	return &Handler{
		registry: registry,
		content:  content,
		reporter: reporter,
		queue:    queue,
		cfg:      cfg,
		logger:   logger.AddPulseSymbol(log.Named("extract")),
		limiters: make(map[Tag]*rate.Limiter),
	}
}

// Name implements async.JobHandler
func (h *Handler) Name() string { return HandlerName }

// Execute fetches the dataset, writes it under the task's content handle and
// reports the outcome to the cache
func (h *Handler) Execute(ctx context.Context, job *async.Job) (json.RawMessage, error) {
	task, err := DecodeTask(job)
	if err != nil {
		return nil, err
	}
	log := h.logger.With(logger.FieldJobID, job.ID, logger.FieldCacheKey, task.Key.Short(), logger.FieldOrigin, task.Origin)

	tag := TagFor(task.Origin, task.Descriptor)
	backend, err := h.registry.Lookup(tag)
	if err != nil {
		return nil, h.fail(ctx, log, task, job, err)
	}

	if err := h.limiter(tag).Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}

	ds, err := h.fetch(ctx, backend, tag, task)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: the worker pool puts the job back in the queue
			return nil, err
		}
		classified := async.ClassifyError("fetch", err)
		if classified.Retryable {
			retryErr := async.RetryableError(h.queue, job, "fetch", err, log)
			if errors.Is(retryErr, async.ErrRequeued) {
				return nil, retryErr
			}
		}
		log.Infow("Extraction failed", "code", classified.Code, logger.FieldError, err)
		return nil, h.fail(ctx, log, task, job, err)
	}

	data, err := ds.Encode()
	if err != nil {
		return nil, h.fail(ctx, log, task, job, err)
	}
	if err := h.content.Write(ctx, task.ContentHandle, data); err != nil {
		return nil, errors.Wrap(err, "failed to store dataset")
	}

	// Deleted while we fetched: leave nothing behind
	if current, err := h.queue.GetJob(job.ID); err == nil && current.Status == async.JobStatusCancelled {
		h.discard(ctx, log, task)
		return nil, errors.Wrapf(errors.ErrConflict, "job %s was revoked during extraction", job.ID)
	}

	result := cache.TaskResult{ContentHandle: task.ContentHandle, ProducedKind: ds.Kind}
	err = h.report(ctx, func(ctx context.Context) error {
		return h.reporter.Finalize(ctx, task.Key, job.ID, result)
	})
	if err != nil {
		if errors.Is(err, errors.ErrConflict) || errors.IsNotFoundError(err) {
			h.discard(ctx, log, task)
		}
		return nil, errors.Wrap(err, "failed to finalize cache record")
	}

	log.Infow("Extraction stored",
		logger.FieldKind, ds.Kind,
		logger.FieldCount, len(ds.Rows),
		logger.FieldSize, len(data))

	out, err := sonic.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode result")
	}
	return out, nil
}

func (h *Handler) fetch(ctx context.Context, backend Backend, tag Tag, task cache.Task) (*Dataset, error) {
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	ds, err := backend.Fetch(ctx, Request{
		Origin:      task.Origin,
		Kind:        tag.Kind,
		Descriptor:  task.Descriptor,
		Credentials: task.Credentials,
		Label:       task.Label,
	})
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, errors.Newf("backend %s returned no dataset", tag)
	}
	if ds.Kind == "" {
		ds.Kind = tag.Kind
	}
	if ds.Rows == nil {
		ds.Rows = []map[string]interface{}{}
	}
	return ds, nil
}

// fail records the failure on the cache entry and returns the original error
// so the job fails too
func (h *Handler) fail(ctx context.Context, log *zap.SugaredLogger, task cache.Task, job *async.Job, cause error) error {
	err := h.report(ctx, func(ctx context.Context) error {
		return h.reporter.Fail(ctx, task.Key, job.ID, cause.Error())
	})
	if err != nil {
		log.Warnw("Failed to record extraction failure", logger.FieldError, err)
	}
	return cause
}

// report retries fn while the cache record does not exist yet
func (h *Handler) report(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = h.cfg.ReportTimeout

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil || errors.IsNotFoundError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func (h *Handler) discard(ctx context.Context, log *zap.SugaredLogger, task cache.Task) {
	if err := h.content.Delete(ctx, task.ContentHandle); err != nil {
		log.Warnw("Failed to discard content", logger.FieldContentHandle, task.ContentHandle, logger.FieldError, err)
	}
}

func (h *Handler) limiter(tag Tag) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[tag]
	if !ok {
		limit := rate.Inf
		if h.cfg.MaxRequestsPerMinute > 0 {
			limit = rate.Every(time.Minute / time.Duration(h.cfg.MaxRequestsPerMinute))
		}
		l = rate.NewLimiter(limit, 1)
		h.limiters[tag] = l
	}
	return l
}
