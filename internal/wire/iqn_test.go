package wire

import "strings"

import "testing"

func TestFromStringLowercases(t *testing.T) {
	iqn, err := FromString("IQN.2020-01.Example:Host1")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := iqn.String(), "iqn.2020-01.example:host1"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFromStringRejectsEmptyAndTooLong(t *testing.T) {
	if _, err := FromString(""); err == nil {
		t.Fatal("expected error for empty string")
	}
	if _, err := FromString(strings.Repeat("a", MaxIQNLen+1)); err == nil {
		t.Fatal("expected error for too-long string")
	}
	if _, err := FromString(strings.Repeat("a", MaxIQNLen)); err != nil {
		t.Fatalf("unexpected error at max length: %v", err)
	}
}

func TestIsPattern(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"iqn.2020-01.example:*", true},
		{"iqn.2020-01.example:host1", false},
		{"iqn.2020-01.example:*host*", false}, // two wildcards
	}
	for _, c := range cases {
		iqn := MustFromString(c.s)
		if got := iqn.IsPattern(); got != c.want {
			t.Errorf("%q: IsPattern()=%v want %v", c.s, got, c.want)
		}
	}
}

func TestMatches(t *testing.T) {
	filter := MustFromString("iqn.2020-01.example:*")
	yes := MustFromString("iqn.2020-01.example:host1")
	no := MustFromString("iqn.2020-02.example:host1")

	if !yes.Matches(filter) {
		t.Errorf("expected %v to match %v", yes, filter)
	}
	if no.Matches(filter) {
		t.Errorf("expected %v not to match %v", no, filter)
	}

	regular := MustFromString("iqn.2020-01.example:host1")
	if !yes.Matches(regular) {
		t.Error("expected exact match via regular filter")
	}
}

func TestMatchesRequiresRegularSubject(t *testing.T) {
	pattern := MustFromString("iqn.2020-01.example:*")
	if pattern.Matches(pattern) {
		t.Error("a pattern is never a valid subject for Matches")
	}
}

func TestRoundTripIdentity(t *testing.T) {
	for _, s := range []string{"iqn.2020-01.example:host1", "iqn.2020-01.EXAMPLE:Host1"} {
		iqn := MustFromString(s)
		again := MustFromString(iqn.String())
		if !iqn.IsEqual(again) {
			t.Errorf("round trip failed for %q", s)
		}
	}
}
