package wire

import "testing"

func TestFilterPolicyStringRoundTrip(t *testing.T) {
	for _, p := range []FilterPolicy{FilterAccept, FilterReject} {
		s := p.PolicyToString()
		if got := PolicyFromString(s); got != p {
			t.Fatalf("round trip failed for %v via %q: got %v", p, s, got)
		}
	}
	if got := PolicyFromString("bogus"); got != FilterNone {
		t.Fatalf("expected FilterNone for bogus string, got %v", got)
	}
}

func TestFilterMatches(t *testing.T) {
	f, ok := SetFilter(MustFromString("iqn.2020-01.example:*"), FilterReject)
	if !ok {
		t.Fatal("SetFilter failed")
	}
	policy, matched := f.Matches(MustFromString("iqn.2020-01.example:host1"))
	if !matched || policy != FilterReject {
		t.Fatalf("expected match with REJECT, got matched=%v policy=%v", matched, policy)
	}
	_, matched = f.Matches(MustFromString("iqn.2020-02.example:host1"))
	if matched {
		t.Fatal("expected no match")
	}
}

func TestFilterIsEqual(t *testing.T) {
	a, _ := SetFilter(MustFromString("iqn.2020-01.example:host1"), FilterAccept)
	b, _ := SetFilter(MustFromString("iqn.2020-01.example:host1"), FilterAccept)
	c, _ := SetFilter(MustFromString("iqn.2020-01.example:host1"), FilterReject)
	if !a.IsEqual(b) {
		t.Fatal("expected a == b")
	}
	if a.IsEqual(c) {
		t.Fatal("expected a != c")
	}
}
