// Package geo resolves an IP address to an approximate country and
// coordinate pair over a small embedded CIDR table. It never calls out to
// the network.
package geo

import (
	"log/slog"
	"net/netip"
)

// Location is the result of a successful lookup.
type Location struct {
	Country string
	Lat     float64
	Lon     float64
}

type entry struct {
	prefix  netip.Prefix
	country string
	lat     float64
	lon     float64
}

// Locator resolves IPs to locations over a static, in-memory range table.
type Locator struct {
	entries []entry
}

// New builds a Locator from the built-in range table. Malformed entries in
// the table are skipped with a warning rather than failing startup — a bad
// geo dataset degrades the pipeline to "no location," it never blocks it.
func New() *Locator {
	l := &Locator{}
	for _, row := range builtinRanges {
		prefix, err := netip.ParsePrefix(row.cidr)
		if err != nil {
			slog.Warn("skipping malformed geo range", "cidr", row.cidr, "error", err)
			continue
		}
		l.entries = append(l.entries, entry{
			prefix:  prefix,
			country: row.country,
			lat:     row.lat,
			lon:     row.lon,
		})
	}
	return l
}

// Lookup resolves ipStr to a Location. ok is false when the address is
// malformed or falls outside every known range — the caller treats that as
// "geolocation unavailable," not an error.
func (l *Locator) Lookup(ipStr string) (Location, bool) {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return Location{}, false
	}

	for _, e := range l.entries {
		if e.prefix.Contains(addr) {
			return Location{Country: e.country, Lat: e.lat, Lon: e.lon}, true
		}
	}
	return Location{}, false
}
