// Package filter applies the per-category redaction and enrichment rules to a
// decoded record before it is written.
//
// A Pipeline is an ordered list of Steps. The order is fixed: risks, ignored
// fields, event names, geo enrichment, then the optional where predicate,
// which sees the record as it would be written. Steps never fail: a missing
// or malformed field makes that step a no-op. Applying a pipeline twice gives
// the same result as applying it once.
package filter

import (
	"github.com/gyaneshwarpardhi/heidpi/internal/config"
	"github.com/gyaneshwarpardhi/heidpi/internal/event"
	"github.com/gyaneshwarpardhi/heidpi/internal/expr"
	"github.com/gyaneshwarpardhi/heidpi/internal/geoip"
)

// GeoField is the key enrichment writes the resolved location to.
const GeoField = "geoip"

// Step is one transform of the pipeline. Apply may modify rec in place and
// returns false when the record should not be written at all.
type Step interface {
	Name() string
	Apply(rec event.Record) bool
}

// Locator resolves an address string to a location.
type Locator interface {
	LookupString(ip string) (geoip.CityInfo, error)
	Enabled() bool
}

// Pipeline is the filter for one category. It is immutable and safe for
// concurrent use as long as its Locator is.
type Pipeline struct {
	steps []Step
}

// NewPipeline chains steps in the given order.
func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// New builds the standard pipeline for category c from its configuration.
// loc may be nil when enrichment is disabled. It fails only on a malformed
// where expression.
func New(c event.Category, conf config.EventConf, loc Locator) (*Pipeline, error) {
	steps := []Step{
		RemoveRisks(conf.IgnoreRisks),
		RemoveKeys("ignore_fields", conf.IgnoreFields),
	}
	if conf.EventNameMode == config.EventNameMatch {
		steps = append(steps, MatchEventName(c.NameField(), conf.FlowEventName))
	} else {
		steps = append(steps, RemoveKeys("flow_event_name", conf.FlowEventName))
	}
	if conf.GeoEnabled() && loc != nil {
		steps = append(steps, GeoEnrich(loc, conf.GeoIP.Keys))
	}
	if conf.Where != "" {
		pred, err := expr.Compile(conf.Where)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Where(pred))
	}
	return NewPipeline(steps...), nil
}

// Apply runs every step on a copy of rec. The input is left untouched.
func (p *Pipeline) Apply(rec event.Record) (event.Record, bool) {
	out := make(event.Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	for _, s := range p.steps {
		if !s.Apply(out) {
			return out, false
		}
	}
	return out, true
}

// Steps returns the step names in execution order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}
