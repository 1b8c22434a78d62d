package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/google/uuid"

	"labqueue/internal/models"
)

// instrumentingMiddleware wraps Repository and enables request metrics
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	svc         Repository
}

// AddTask ...
func (s *instrumentingMiddleware) AddTask(ctx context.Context, task *models.Task) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "AddTask",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.AddTask(ctx, task)
}

// GetTask ...
func (s *instrumentingMiddleware) GetTask(ctx context.Context, id uuid.UUID) (task *models.Task, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "GetTask",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.GetTask(ctx, id)
}

// ClaimNextTask ...
func (s *instrumentingMiddleware) ClaimNextTask(ctx context.Context) (task *models.Task, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "ClaimNextTask",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.ClaimNextTask(ctx)
}

// UpdateTask ...
func (s *instrumentingMiddleware) UpdateTask(ctx context.Context, task *models.Task) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "UpdateTask",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.UpdateTask(ctx, task)
}

// CommitChunk ...
func (s *instrumentingMiddleware) CommitChunk(ctx context.Context, task *models.Task, consumed int, retry []string) (committed bool, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "CommitChunk",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.CommitChunk(ctx, task, consumed, retry)
}

// MergePayload ...
func (s *instrumentingMiddleware) MergePayload(ctx context.Context, targetRef string, items []string) (id uuid.UUID, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "MergePayload",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.MergePayload(ctx, targetRef, items)
}

// ActiveTaskID ...
func (s *instrumentingMiddleware) ActiveTaskID(ctx context.Context, targetRef string) (id uuid.UUID, ok bool, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "ActiveTaskID",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.ActiveTaskID(ctx, targetRef)
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	reqCount metrics.Counter,
	reqDuration metrics.Histogram,
	svc Repository,
) Repository {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		svc:         svc,
	}
}
