package filter

import (
	"net"

	"github.com/gyaneshwarpardhi/heidpi/internal/event"
	"github.com/gyaneshwarpardhi/heidpi/internal/expr"
)

type removeKeys struct {
	name string
	keys []string
}

// RemoveKeys deletes the listed top-level keys.
func RemoveKeys(name string, keys []string) Step {
	return removeKeys{name: name, keys: keys}
}

func (s removeKeys) Name() string { return s.name }

func (s removeKeys) Apply(rec event.Record) bool {
	for _, k := range s.keys {
		delete(rec, k)
	}
	return true
}

type removeRisks struct {
	keys []string
}

// RemoveRisks deletes risk ids from the top level and from the nested
// ndpi.flow_risk object nDPId reports them in.
func RemoveRisks(keys []string) Step {
	return removeRisks{keys: keys}
}

func (removeRisks) Name() string { return "ignore_risks" }

func (s removeRisks) Apply(rec event.Record) bool {
	if len(s.keys) == 0 {
		return true
	}
	for _, k := range s.keys {
		delete(rec, k)
	}

	ndpi, ok := rec["ndpi"].(map[string]any)
	if !ok {
		return true
	}
	risks, ok := ndpi["flow_risk"].(map[string]any)
	if !ok {
		return true
	}
	// Copy before deleting so the caller's nested maps stay untouched.
	kept := make(map[string]any, len(risks))
	for k, v := range risks {
		kept[k] = v
	}
	for _, k := range s.keys {
		delete(kept, k)
	}
	if len(kept) == len(risks) {
		return true
	}
	nd := make(map[string]any, len(ndpi))
	for k, v := range ndpi {
		nd[k] = v
	}
	nd["flow_risk"] = kept
	rec["ndpi"] = nd
	return true
}

type matchEventName struct {
	field string
	names map[string]struct{}
}

// MatchEventName keeps only records whose field holds one of names. An empty
// list keeps everything; a record without the field is kept.
func MatchEventName(field string, names []string) Step {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return matchEventName{field: field, names: set}
}

func (matchEventName) Name() string { return "flow_event_name" }

func (s matchEventName) Apply(rec event.Record) bool {
	if len(s.names) == 0 {
		return true
	}
	v, ok := rec[s.field].(string)
	if !ok {
		return true
	}
	_, ok = s.names[v]
	return ok
}

type geoEnrich struct {
	loc  Locator
	keys []string
}

// GeoEnrich resolves the first field in keys holding an IP address and adds
// the result under GeoField. A miss leaves the record as it is.
func GeoEnrich(loc Locator, keys []string) Step {
	return geoEnrich{loc: loc, keys: keys}
}

func (geoEnrich) Name() string { return "geoip" }

func (s geoEnrich) Apply(rec event.Record) bool {
	if !s.loc.Enabled() {
		return true
	}
	for _, k := range s.keys {
		addr, ok := rec[k].(string)
		if !ok || net.ParseIP(addr) == nil {
			continue
		}
		info, err := s.loc.LookupString(addr)
		if err != nil {
			return true
		}
		rec[GeoField] = info.Map()
		return true
	}
	return true
}

type where struct {
	pred *expr.Predicate
}

// Where keeps only records matching pred.
func Where(pred *expr.Predicate) Step {
	return where{pred: pred}
}

func (where) Name() string { return "where" }

func (s where) Apply(rec event.Record) bool {
	return s.pred.Match(rec)
}
