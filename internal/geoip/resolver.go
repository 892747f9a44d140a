// Package geoip resolves IP addresses to city level locations using a
// MaxMind GeoIP2/GeoLite2 City database (or a compatible DB-IP / IP2Location
// MMDB file).
//
// Usage:
//
//	r, err := geoip.Open("/usr/share/GeoIP/GeoLite2-City.mmdb", log)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
//	info, err := r.LookupString("81.2.69.142")
package geoip

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/heidpi/internal/metrics"
)

var (
	// ErrNotFound means the database holds no usable entry for the address.
	ErrNotFound = errors.New("geoip: address not found")
	// ErrDatabase means the database handle could not serve the lookup.
	ErrDatabase = errors.New("geoip: database unusable")
	// ErrInvalidIP means the input is not an IP address.
	ErrInvalidIP = errors.New("geoip: invalid ip address")
)

// CityInfo is the resolved location. Each field is independently optional.
type CityInfo struct {
	CityName    *string  `json:"city_name,omitempty"`
	CountryName *string  `json:"country_name,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Map returns the info as a JSON-ready object, leaving out absent fields.
func (c CityInfo) Map() map[string]any {
	m := make(map[string]any, 4)
	if c.CityName != nil {
		m["city_name"] = *c.CityName
	}
	if c.CountryName != nil {
		m["country_name"] = *c.CountryName
	}
	if c.Latitude != nil {
		m["latitude"] = *c.Latitude
	}
	if c.Longitude != nil {
		m["longitude"] = *c.Longitude
	}
	return m
}

// cityReader is the subset of *geoip2.Reader the resolver uses.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// Resolver serialises lookups against one read-only database handle. After
// the first failure of the handle itself it logs once and answers
// ErrDatabase for the rest of the run. Errors tied to a single address, such
// as an IPv6 lookup in an IPv4-only database, count as misses.
type Resolver struct {
	mu       sync.Mutex
	db       cityReader
	path     string
	disabled atomic.Bool
	log      zerolog.Logger
}

// Open opens the MMDB file at path.
func Open(path string, log zerolog.Logger) (*Resolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return newResolver(db, path, log), nil
}

func newResolver(db cityReader, path string, log zerolog.Logger) *Resolver {
	return &Resolver{
		db:   db,
		path: path,
		log:  log.With().Str("component", "geoip").Str("database", path).Logger(),
	}
}

// Path returns the database file the resolver was opened from.
func (r *Resolver) Path() string {
	return r.path
}

// Enabled reports whether lookups are still being served.
func (r *Resolver) Enabled() bool {
	return !r.disabled.Load()
}

// LookupString parses s (a bare address or "host:port") and resolves it.
func (r *Resolver) LookupString(s string) (CityInfo, error) {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return CityInfo{}, ErrInvalidIP
	}
	return r.Lookup(ip)
}

// Lookup resolves ip.
func (r *Resolver) Lookup(ip net.IP) (CityInfo, error) {
	if r.disabled.Load() {
		return CityInfo{}, ErrDatabase
	}

	r.mu.Lock()
	record, err := r.db.City(ip)
	r.mu.Unlock()

	if err != nil {
		if !isDatabaseFailure(err) {
			metrics.GeoLookups.WithLabelValues("miss").Inc()
			r.log.Debug().Err(err).Stringer("ip", ip).Msg("geoip lookup failed for address")
			return CityInfo{}, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		if r.disabled.CompareAndSwap(false, true) {
			r.log.Error().Err(err).Msg("geoip database failed, enrichment disabled for this run")
		}
		metrics.GeoLookups.WithLabelValues("error").Inc()
		return CityInfo{}, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	info := toCityInfo(record)
	if info == (CityInfo{}) {
		metrics.GeoLookups.WithLabelValues("miss").Inc()
		return CityInfo{}, ErrNotFound
	}
	metrics.GeoLookups.WithLabelValues("hit").Inc()
	return info, nil
}

// isDatabaseFailure reports whether err means the handle can serve no
// further lookups: corrupt data, a database without city records, or a
// closed reader.
func isDatabaseFailure(err error) bool {
	var invalid maxminddb.InvalidDatabaseError
	if errors.As(err, &invalid) {
		return true
	}
	var method geoip2.InvalidMethodError
	if errors.As(err, &method) {
		return true
	}
	return strings.Contains(err.Error(), "closed database")
}

func toCityInfo(record *geoip2.City) CityInfo {
	var info CityInfo
	if record == nil {
		return info
	}
	if name := record.City.Names["en"]; name != "" {
		info.CityName = &name
	}
	if name := record.Country.Names["en"]; name != "" {
		info.CountryName = &name
	}
	// The reader reports missing coordinates as 0,0.
	if lat, lon := record.Location.Latitude, record.Location.Longitude; lat != 0 || lon != 0 {
		info.Latitude = &lat
		info.Longitude = &lon
	}
	return info
}

// Close releases the database handle.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

// Registry shares one Resolver per database file across categories.
type Registry struct {
	log       zerolog.Logger
	open      func(string, zerolog.Logger) (*Resolver, error)
	resolvers map[string]*Resolver
}

// NewRegistry returns an empty registry that opens databases with Open.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, open: Open, resolvers: make(map[string]*Resolver)}
}

// Get returns the resolver for path, opening it on first use.
func (g *Registry) Get(path string) (*Resolver, error) {
	if r, ok := g.resolvers[path]; ok {
		return r, nil
	}
	r, err := g.open(path, g.log)
	if err != nil {
		return nil, err
	}
	g.resolvers[path] = r
	return r, nil
}

// Close closes every opened database.
func (g *Registry) Close() error {
	var errs []error
	for path, r := range g.resolvers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
