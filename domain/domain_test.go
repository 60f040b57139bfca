package domain

import "testing"

func TestBestMatchLongestSuffix(t *testing.T) {
	m := New([]*AuthDomain{
		{Name: "."},
		{Name: "example.test."},
		{Name: "sub.example.test.", Forwarders: []string{"10.0.0.1:53"}},
	})

	a, ok := m.BestMatch("host.sub.example.test.")
	if !ok {
		t.Fatal("expected a match")
	}
	if a.Name != "sub.example.test." {
		t.Fatalf("BestMatch matched %q, want the longest suffix sub.example.test.", a.Name)
	}
}

func TestBestMatchFallsBackToRoot(t *testing.T) {
	m := New([]*AuthDomain{{Name: "."}})

	a, ok := m.BestMatch("totally.unrelated.example.")
	if !ok || a.Name != "." {
		t.Fatalf("BestMatch = (%v, %v), want the root zone", a, ok)
	}
}

func TestBestMatchNoneConfigured(t *testing.T) {
	m := New(nil)
	if _, ok := m.BestMatch("example.test."); ok {
		t.Fatal("expected no match against an empty domain map")
	}
}

func TestLookupRecordsCaseInsensitive(t *testing.T) {
	a := &AuthDomain{
		Name: "example.test.",
		Records: []Record{
			{Name: "www.example.test.", Type: 1},
			{Name: "WWW.EXAMPLE.TEST.", Type: 28},
			{Name: "mail.example.test.", Type: 1},
		},
	}

	got := a.LookupRecords("www.example.test.", 0)
	if len(got) != 2 {
		t.Fatalf("LookupRecords(qtype=any) = %d records, want 2", len(got))
	}

	got = a.LookupRecords("www.example.test.", 1)
	if len(got) != 1 {
		t.Fatalf("LookupRecords(qtype=A) = %d records, want 1", len(got))
	}
}

func TestForward(t *testing.T) {
	local := &AuthDomain{Name: "a."}
	forwarded := &AuthDomain{Name: "b.", Forwarders: []string{"1.2.3.4:53"}}

	if local.Forward() {
		t.Fatal("local domain should not report Forward()")
	}
	if !forwarded.Forward() {
		t.Fatal("forwarded domain should report Forward()")
	}
}
