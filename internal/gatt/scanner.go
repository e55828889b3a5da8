package gatt

import (
	"time"

	"github.com/cornelk/hashmap"
)

// Filter decides whether an advertisement belongs to the gateway's
// peripheral: an exact device-name match or a 128-bit service-UUID
// match against the advertising payload.
type Filter struct {
	Name        string
	ServiceUUID string
}

// NewFilter builds the advertising filter from the options. UUIDs are
// normalized once so per-report matching is a plain string compare.
func NewFilter(opts *Options) Filter {
	return Filter{
		Name:        opts.PeerName,
		ServiceUUID: NormalizeUUID(opts.ServiceUUID),
	}
}

// Match reports whether the advertisement matches by name or by
// advertised service.
func (f Filter) Match(name string, services []string) bool {
	if f.Name != "" && name == f.Name {
		return true
	}
	if f.ServiceUUID == "" {
		return false
	}
	for _, s := range services {
		if NormalizeUUID(s) == f.ServiceUUID {
			return true
		}
	}
	return false
}

// AdvInfo is the last sighting of an advertiser, kept for the scan CLI
// surface and duplicate suppression.
type AdvInfo struct {
	Addr     string
	Name     string
	RSSI     int
	Services []string
	LastSeen time.Time
	Matched  bool
}

// advCache tracks advertisers seen during scanning. Reports arrive on
// the backend's callback goroutine while the CLI reads snapshots, so
// the cache uses a lock-free map.
type advCache struct {
	devices *hashmap.Map[string, AdvInfo]
}

func newAdvCache() *advCache {
	return &advCache{devices: hashmap.New[string, AdvInfo]()}
}

// Observe records a sighting and reports whether this advertiser was
// already known.
func (c *advCache) Observe(info AdvInfo) bool {
	_, existed := c.devices.Get(info.Addr)
	c.devices.Set(info.Addr, info)
	return existed
}

// Snapshot returns all known advertisers.
func (c *advCache) Snapshot() []AdvInfo {
	out := make([]AdvInfo, 0, c.devices.Len())
	c.devices.Range(func(_ string, v AdvInfo) bool {
		out = append(out, v)
		return true
	})
	return out
}
