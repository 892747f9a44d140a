package geoip

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	mu      sync.Mutex
	records map[string]*geoip2.City
	err     error
	errFor  map[string]error
	calls   int
	active  int
	overlap bool
	closed  bool
}

func (f *fakeDB) City(ip net.IP) (*geoip2.City, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.err != nil {
		return nil, f.err
	}
	if err, ok := f.errFor[ip.String()]; ok {
		return nil, err
	}
	if rec, ok := f.records[ip.String()]; ok {
		return rec, nil
	}
	return &geoip2.City{}, nil
}

func (f *fakeDB) Close() error {
	f.closed = true
	return nil
}

func cityRecord(city, country string, lat, lon float64) *geoip2.City {
	rec := &geoip2.City{}
	if city != "" {
		rec.City.Names = map[string]string{"en": city}
	}
	if country != "" {
		rec.Country.Names = map[string]string{"en": country}
	}
	rec.Location.Latitude = lat
	rec.Location.Longitude = lon
	return rec
}

func TestLookup(t *testing.T) {
	db := &fakeDB{records: map[string]*geoip2.City{
		"81.2.69.142":   cityRecord("London", "United Kingdom", 51.5142, -0.0931),
		"2.125.160.216": cityRecord("", "United Kingdom", 0, 0),
		"89.160.20.112": cityRecord("Linköping", "", 58.4167, 15.6167),
	}}
	r := newResolver(db, "test.mmdb", zerolog.Nop())

	t.Run("full record", func(t *testing.T) {
		info, err := r.LookupString("81.2.69.142")
		require.NoError(t, err)
		require.NotNil(t, info.CityName)
		assert.Equal(t, "London", *info.CityName)
		assert.Equal(t, "United Kingdom", *info.CountryName)
		assert.InDelta(t, 51.5142, *info.Latitude, 1e-9)
		assert.InDelta(t, -0.0931, *info.Longitude, 1e-9)
	})

	t.Run("country only", func(t *testing.T) {
		info, err := r.LookupString("2.125.160.216")
		require.NoError(t, err)
		assert.Nil(t, info.CityName)
		assert.Nil(t, info.Latitude)
		assert.Nil(t, info.Longitude)
		assert.Equal(t, map[string]any{"country_name": "United Kingdom"}, info.Map())
	})

	t.Run("no country block", func(t *testing.T) {
		info, err := r.LookupString("89.160.20.112:443")
		require.NoError(t, err)
		assert.Nil(t, info.CountryName)
		assert.Equal(t, "Linköping", *info.CityName)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := r.LookupString("10.0.0.1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, r.Enabled())
	})

	t.Run("invalid ip", func(t *testing.T) {
		_, err := r.LookupString("not-an-ip")
		assert.ErrorIs(t, err, ErrInvalidIP)
	})
}

func TestLookup_DatabaseErrorDisablesResolver(t *testing.T) {
	cases := map[string]error{
		"corrupt tree":  maxminddb.InvalidDatabaseError{},
		"wrapped":       fmt.Errorf("lookup: %w", maxminddb.InvalidDatabaseError{}),
		"not a city db": geoip2.InvalidMethodError{Method: "City", DatabaseType: "GeoLite2-ASN"},
		"closed reader": errors.New("cannot call Lookup on a closed database"),
	}
	for name, dbErr := range cases {
		t.Run(name, func(t *testing.T) {
			db := &fakeDB{err: dbErr}
			r := newResolver(db, "broken.mmdb", zerolog.Nop())

			_, err := r.LookupString("81.2.69.142")
			require.ErrorIs(t, err, ErrDatabase)
			assert.False(t, r.Enabled())

			_, err = r.LookupString("81.2.69.142")
			require.ErrorIs(t, err, ErrDatabase)
			assert.Equal(t, 1, db.calls, "disabled resolver must not hit the database again")
		})
	}
}

func TestLookup_AddressErrorIsAMiss(t *testing.T) {
	db := &fakeDB{
		records: map[string]*geoip2.City{"81.2.69.142": cityRecord("London", "United Kingdom", 51.5, -0.09)},
		errFor: map[string]error{
			"2001:db8::1": errors.New("error looking up '2001:db8::1': you attempted to look up an IPv6 address in an IPv4-only database"),
		},
	}
	r := newResolver(db, "ipv4-only.mmdb", zerolog.Nop())

	_, err := r.LookupString("2001:db8::1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrDatabase)
	assert.True(t, r.Enabled())

	info, err := r.LookupString("81.2.69.142")
	require.NoError(t, err)
	assert.Equal(t, "London", *info.CityName)
}

func TestLookup_SerialisesConcurrentCallers(t *testing.T) {
	db := &fakeDB{records: map[string]*geoip2.City{
		"81.2.69.142": cityRecord("London", "United Kingdom", 51.5, -0.09),
	}}
	r := newResolver(db, "test.mmdb", zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = r.LookupString("81.2.69.142")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16*50, db.calls)
	assert.False(t, db.overlap)
}

func TestRegistry_SharesResolverPerPath(t *testing.T) {
	opened := 0
	reg := NewRegistry(zerolog.Nop())
	reg.open = func(path string, log zerolog.Logger) (*Resolver, error) {
		opened++
		return newResolver(&fakeDB{}, path, log), nil
	}

	a, err := reg.Get("a.mmdb")
	require.NoError(t, err)
	b, err := reg.Get("a.mmdb")
	require.NoError(t, err)
	c, err := reg.Get("c.mmdb")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, opened)
	assert.NoError(t, reg.Close())
	assert.True(t, a.db.(*fakeDB).closed)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open("/nonexistent/GeoLite2-City.mmdb", zerolog.Nop())
	assert.Error(t, err)
}
