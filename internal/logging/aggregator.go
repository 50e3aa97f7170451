package logging

import (
	"log/slog"
	"sync"
	"time"
)

type counterKey struct {
	component string
	event     string
}

type counter struct {
	n     int64
	attrs []slog.Attr
}

// Aggregator counts high-frequency events (output chunks, orphaned bytes,
// suppressed transitions) and emits one "event_summary" line per event per
// interval instead of one line per occurrence.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	counters map[counterKey]*counter

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// A nil logger drops everything it records.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		counters: make(map[counterKey]*counter),
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop ends the flush goroutine and emits whatever is still pending.
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.flush()
}

// Record bumps the counter for (component, event). The most recent non-empty
// attrs are attached to the summary.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := counterKey{component: component, event: event}
	c := a.counters[k]
	if c == nil {
		c = &counter{}
		a.counters[k] = c
	}
	c.n++
	if len(attrs) > 0 {
		c.attrs = attrs
	}
}

// Pending reports the count recorded for an event since the last flush.
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.counters[counterKey{component: component, event: event}]; c != nil {
		return c.n
	}
	return 0
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.flush()
		case <-a.stop:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.counters) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.counters
	a.counters = make(map[counterKey]*counter)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	window := int(a.interval.Seconds())
	for k, c := range batch {
		args := make([]any, 0, 4+len(c.attrs))
		args = append(args,
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", c.n),
			slog.Int("window_seconds", window),
		)
		for _, attr := range c.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_summary", args...)
	}
}
