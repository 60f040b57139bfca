// Package domain implements the auth/forward domain map: the
// case-insensitive longest-suffix lookup the resolution engine uses
// to short-circuit locally authoritative or forwarded zones (spec.md
// §3 "Auth domain map", §4.7 step 1).
//
// The longest-suffix search is adapted from CoreDNS's
// plugin/file.Zone.ClosestEncloser, which shrinks qname one label at
// a time via dns.NextLabel until a match is found in the zone's
// lookup structure. Here the "lookup structure" is a plain map from
// owner name to *AuthDomain rather than a zone's label tree, since a
// domain map has one flat entry per zone cut rather than a full
// record tree.
package domain

import (
	"strings"

	"github.com/miekg/dns"
)

// Record is a local resource record held by an authoritative or
// forwarded AuthDomain (spec.md §3: "local records
// (ordered-non-unique by (qname, qtype))").
type Record struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Rdata dns.RR
}

// AuthDomain describes one entry of the domain map: a zone that is
// either served from local Records, or forwarded to Forwarders.
type AuthDomain struct {
	Name       string
	Forwarders []string
	RDForward  bool
	Records    []Record
}

// LookupRecords returns every local record matching (qname, qtype),
// preserving insertion order (spec.md §3: "ordered-non-unique").
// qtype of dns.TypeNone (0) matches any type.
func (a *AuthDomain) LookupRecords(qname string, qtype uint16) []Record {
	qname = dns.CanonicalName(qname)
	var out []Record
	for _, r := range a.Records {
		if !strings.EqualFold(r.Name, qname) {
			continue
		}
		if qtype != dns.TypeNone && r.Type != qtype {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Forward reports whether this domain is forwarded rather than served
// from local records.
func (a *AuthDomain) Forward() bool {
	return len(a.Forwarders) > 0
}

// Map is an immutable snapshot of the domain map: case-insensitive
// owner-name to AuthDomain. Construct with New and publish/replace
// the whole Map atomically (spec.md §5, §9: "the domain map may be
// replaced atomically... old queries holding the old pointer finish
// with it").
type Map struct {
	zones map[string]*AuthDomain
}

// New builds a Map from a set of zones, keyed by zone name.
func New(zones []*AuthDomain) *Map {
	m := &Map{zones: make(map[string]*AuthDomain, len(zones))}
	for _, z := range zones {
		m.zones[strings.ToLower(dns.CanonicalName(z.Name))] = z
	}
	return m
}

// BestMatch returns the AuthDomain whose name is the longest suffix
// of qname present in the map, shrinking qname one label at a time
// the way ClosestEncloser does, via dns.NextLabel.
func (m *Map) BestMatch(qname string) (*AuthDomain, bool) {
	qname = dns.CanonicalName(qname)

	offset, end := dns.NextLabel(qname, 0)
	for !end {
		if a, ok := m.zones[strings.ToLower(qname)]; ok {
			return a, true
		}
		qname = qname[offset:]
		offset, end = dns.NextLabel(qname, 0)
	}

	// The last label itself (dns.NextLabel reports end on it).
	if a, ok := m.zones[strings.ToLower(qname)]; ok {
		return a, true
	}
	// Root zone, if configured, matches everything.
	if a, ok := m.zones["."]; ok {
		return a, true
	}
	return nil, false
}

// Loader is the external config-reload contract of spec.md §6: "a
// function that returns a freshly built domain map."
type Loader func() (*Map, error)
