package views

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/metrics"
	"go.uber.org/zap"
)

const defaultInvalidationTimeout = 5 * time.Second

// InvalidatorConfig describes the sinks and limits of the invalidator.
// Inline sinks finish before Invalidate returns; Background sinks run after it.
type InvalidatorConfig struct {
	Inline     []Sink
	Background []Sink
	Timeout    time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Invalidator delivers rating changes to its sinks.
// Delivery failures are logged and counted; they never reach the caller.
type Invalidator struct {
	inline     []Sink
	background []Sink
	timeout    time.Duration
	logger  *zap.Logger
	metrics *metrics.Recorder
	pending sync.WaitGroup
}

// NewInvalidator constructs an Invalidator. Nil sinks are skipped.
func NewInvalidator(cfg InvalidatorConfig) *Invalidator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultInvalidationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{
		inline:     compactSinks(cfg.Inline),
		background: compactSinks(cfg.Background),
		timeout:    timeout,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Invalidate delivers change to the inline sinks, then schedules the background sinks.
// Delivery ignores ctx cancellation and is bounded by the configured timeout.
func (i *Invalidator) Invalidate(ctx context.Context, change Change) {
	if i == nil {
		return
	}
	if len(i.inline) > 0 {
		inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
		i.deliver(inlineCtx, i.inline, change)
		cancel()
	}
	if len(i.background) == 0 {
		return
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	i.pending.Add(1)
	go func() {
		defer i.pending.Done()
		defer cancel()
		i.deliver(detached, i.background, change)
	}()
}

// Flush blocks until every background delivery has finished.
func (i *Invalidator) Flush() {
	if i == nil {
		return
	}
	i.pending.Wait()
}

func (i *Invalidator) deliver(ctx context.Context, sinks []Sink, change Change) {
	for _, sink := range sinks {
		err := i.invokeSink(ctx, sink, change)
		if err != nil {
			i.metrics.ObserveInvalidation(sink.Name(), metrics.OutcomeFailure)
			i.logger.Error("view invalidation failed",
				zap.String("operation", "views.invalidate"),
				zap.String("sink", sink.Name()),
				zap.String("user_id", change.UserID),
				zap.String("catalog_entry_id", change.CatalogEntryID),
				zap.Error(err))
			continue
		}
		i.metrics.ObserveInvalidation(sink.Name(), metrics.OutcomeSuccess)
	}
}

func (i *Invalidator) invokeSink(ctx context.Context, sink Sink, change Change) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("views: sink %s panicked: %v", sink.Name(), recovered)
		}
	}()
	return sink.Invalidate(ctx, change)
}

func compactSinks(sinks []Sink) []Sink {
	result := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			result = append(result, sink)
		}
	}
	return result
}
