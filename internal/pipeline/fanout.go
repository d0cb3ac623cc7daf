package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// fanout synthesises sentences concurrently while emitting the resulting
// playables in sentence order. Each enqueued sentence gets a strictly
// increasing index; completed playables park in a small map until every
// lower index has been emitted or recorded as failed.
type fanout struct {
	ctx     context.Context
	tts     tts.Provider
	norm    func(string) string
	emit    func(playable tts.Playable)
	sem     *semaphore.Weighted
	log     *slog.Logger
	metrics *observe.Metrics

	wg sync.WaitGroup

	mu       sync.Mutex
	results  map[int]tts.Playable // completed jobs awaiting emission; nil marks a failure
	next     int                  // next index to emit
	enqueued int                  // next index to assign
}

func newFanout(ctx context.Context, provider tts.Provider, norm func(string) string, emit func(tts.Playable), maxJobs int64, log *slog.Logger, metrics *observe.Metrics) *fanout {
	return &fanout{
		ctx:     ctx,
		tts:     provider,
		norm:    norm,
		emit:    emit,
		sem:     semaphore.NewWeighted(maxJobs),
		log:     log,
		metrics: metrics,
		results: make(map[int]tts.Playable),
	}
}

// enqueue normalises sentence and starts its synthesis concurrently with
// the ongoing generation. Safe to call only from the turn goroutine; the
// index order is the sentence order.
func (f *fanout) enqueue(sentence string) {
	text := f.norm(sentence)
	f.mu.Lock()
	index := f.enqueued
	f.enqueued++
	f.mu.Unlock()

	if text == "" {
		// Nothing to speak after normalisation; the index still advances.
		f.finish(index, nil)
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.synthesize(index, text)
	}()
}

func (f *fanout) synthesize(index int, text string) {
	if err := f.sem.Acquire(f.ctx, 1); err != nil {
		f.log.Debug("tts job abandoned", "index", index, "err", err)
		f.finish(index, nil)
		return
	}
	defer f.sem.Release(1)

	ctx, span := observe.StartSpan(f.ctx, "pipeline.tts")
	start := time.Now()
	playable, err := f.tts.Synthesize(ctx, text)
	if f.metrics != nil {
		f.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	span.End()
	if err != nil {
		// The sentence is dropped for audio; its text was already streamed.
		f.log.Warn("tts synthesis failed", "index", index, "err", err)
		if f.metrics != nil {
			f.metrics.RecordProviderError(ctx, "tts", "tts")
		}
		f.finish(index, nil)
		return
	}
	f.finish(index, playable)
}

// finish records the outcome for index and emits every playable that is now
// next in line. Failed indexes advance the expected index without emitting.
func (f *fanout) finish(index int, playable tts.Playable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[index] = playable
	for {
		p, ok := f.results[f.next]
		if !ok {
			return
		}
		delete(f.results, f.next)
		f.next++
		if p != nil {
			f.emit(p)
		}
	}
}

// wait blocks until every outstanding synthesis job has resolved. The turn
// is not complete before wait returns.
func (f *fanout) wait() {
	f.wg.Wait()
}
