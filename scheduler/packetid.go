package scheduler

import "strings"

// PacketID identifies one in-flight query the way spec.md §3 defines
// it: (id, peer, qname, qtype, tcp-socket-handle-or-0, fd). Ordering
// is not exposed as a Less method here (Go maps don't need one); the
// fields exist so BirthdayKey can project out id and fd.
type PacketID struct {
	ID     uint16
	Peer   string
	Qname  string
	Qtype  uint16
	Socket int
	FD     int
}

// BirthdayKey is the "birthday comparator" of spec.md's GLOSSARY: two
// PacketIDs are equal under it when their (peer, qname, qtype) match,
// irrespective of id or fd. It is used to detect and merge duplicate
// in-flight questions.
type BirthdayKey struct {
	Peer  string
	Qname string
	Qtype uint16
}

// Birthday projects a PacketID down to its BirthdayKey. Qname
// comparison is ASCII case-folded per DNS rules (spec.md §3).
func (p PacketID) Birthday() BirthdayKey {
	return BirthdayKey{Peer: p.Peer, Qname: strings.ToLower(p.Qname), Qtype: p.Qtype}
}
