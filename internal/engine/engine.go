// Package engine classifies decoded records and moves them through the
// category filter into the category sink.
//
// Records enter through Dispatch, wait in a bounded queue and are handled by
// a single worker, so they are written in exactly the order they were
// decoded. A full queue blocks Dispatch, which in turn stops the socket read
// and lets TCP flow control slow the distributor down.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/heidpi/internal/event"
	"github.com/gyaneshwarpardhi/heidpi/internal/filter"
	"github.com/gyaneshwarpardhi/heidpi/internal/metrics"
	"github.com/gyaneshwarpardhi/heidpi/internal/sink"
)

// TimestampField is added to records of categories with timestamps enabled.
const TimestampField = "timestamp"

// Route binds a category to its filter and sink.
type Route struct {
	Category  event.Category
	Filter    *filter.Pipeline
	Sink      sink.Sink
	Timestamp bool
}

// Conf holds the router settings.
type Conf struct {
	QueueSize int
	DateFmt   string // strftime pattern for TimestampField
}

// Router dispatches records to their category route.
type Router struct {
	routes map[event.Category]Route
	pool   *workerPool[event.Record]
	stamp  *strftime.Strftime
	now    func() time.Time
	log    zerolog.Logger
}

// New starts a router with one worker. Categories without a route are
// dropped like unknown ones.
func New(routes []Route, conf Conf, log zerolog.Logger) (*Router, error) {
	stamp, err := strftime.New(conf.DateFmt)
	if err != nil {
		return nil, fmt.Errorf("engine: timestamp format %q: %w", conf.DateFmt, err)
	}
	r := &Router{
		routes: make(map[event.Category]Route, len(routes)),
		stamp:  stamp,
		now:    time.Now,
		log:    log.With().Str("component", "router").Logger(),
	}
	for _, rt := range routes {
		r.routes[rt.Category] = rt
	}
	r.pool = newWorkerPool(1, conf.QueueSize, r.work)
	return r, nil
}

// Dispatch queues rec for routing, blocking while the queue is full.
func (r *Router) Dispatch(ctx context.Context, rec event.Record) error {
	if err := r.pool.Submit(ctx, rec); err != nil {
		return err
	}
	metrics.QueueUtilization.Set(r.QueueUtilization())
	return nil
}

// QueueUtilization returns queue used / capacity (0 to 1).
func (r *Router) QueueUtilization() float64 {
	if r.pool.QueueCap() == 0 {
		return 0
	}
	return float64(r.pool.QueueLen()) / float64(r.pool.QueueCap())
}

// Close waits until every queued record has been handled.
func (r *Router) Close() {
	r.pool.Drain()
	metrics.QueueUtilization.Set(0)
}

// work is the worker body. A sink failure is logged and the record dropped;
// ingestion continues.
func (r *Router) work(rec event.Record) {
	if err := r.Route(rec); err != nil {
		r.log.Error().Err(err).Int("fields", len(rec)).Msg("record dropped")
	}
}

// Route classifies rec, filters it and writes it to the category sink.
// Unknown, disabled and filtered-out records return nil; only a failed sink
// write is an error.
func (r *Router) Route(rec event.Record) error {
	start := time.Now()
	cat := event.Classify(rec)
	if cat == event.Unknown {
		metrics.RecordsDropped.WithLabelValues(cat.String(), "unknown_category").Inc()
		r.log.Debug().Interface("event_type", rec[event.TypeField]).Msg("unknown event category")
		return nil
	}
	rt, ok := r.routes[cat]
	if !ok {
		metrics.RecordsDropped.WithLabelValues(cat.String(), "disabled").Inc()
		return nil
	}

	out, keep := rt.Filter.Apply(rec)
	if !keep {
		metrics.RecordsDropped.WithLabelValues(cat.String(), "filtered").Inc()
		return nil
	}
	if rt.Timestamp {
		out[TimestampField] = r.stamp.FormatString(r.now())
	}

	if err := rt.Sink.Write(out); err != nil {
		metrics.SinkWriteErrors.WithLabelValues(cat.String()).Inc()
		metrics.RecordsDropped.WithLabelValues(cat.String(), "sink_error").Inc()
		return fmt.Errorf("category %s: %w", cat, err)
	}
	metrics.RecordsRouted.WithLabelValues(cat.String()).Inc()
	metrics.RecordProcessingDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	return nil
}
