package idref

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewKeepsSuppliedName(t *testing.T) {
	r := New(ComponentPod, "alpha", NameUUID)
	if r.Name() != "alpha" || r.ID(false) != "alpha" {
		t.Fatalf("name = %q, bare id = %q", r.Name(), r.ID(false))
	}
	if r.ID(true) != "pod-alpha" || r.String() != "pod-alpha" {
		t.Fatalf("qualified id = %q, string = %q", r.ID(true), r.String())
	}
}

func TestGeneratedNames(t *testing.T) {
	u := New(ComponentPod, "", NameUUID)
	if _, err := uuid.Parse(u.Name()); err != nil {
		t.Fatalf("uuid name %q: %v", u.Name(), err)
	}

	w := New(ComponentPod, "", NameWords)
	if parts := strings.Split(w.Name(), "-"); len(parts) != 2 {
		t.Fatalf("word name %q has %d parts", w.Name(), len(parts))
	}

	r := New(ComponentPod, "", NameRandom)
	if r.Name() == "" {
		t.Fatal("random name is empty")
	}
	for _, c := range r.Name() {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') {
			t.Fatalf("unexpected rune %q in %q", c, r.Name())
		}
	}
}

func TestGeneratedNamesAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		n := New(ComponentDb, "", NameRandom).Name()
		if seen[n] {
			t.Fatalf("duplicate %s", n)
		}
		seen[n] = true
	}
}

func TestMatches(t *testing.T) {
	r := New(ComponentOrbitDb, "x1", NameUUID)
	cases := map[string]bool{"x1": true, "orbitdb-x1": true, "pod-x1": false, "": false}
	for in, want := range cases {
		if got := r.Matches(in); got != want {
			t.Errorf("Matches(%q) = %v, want %v", in, got, want)
		}
	}
	if (Reference{}).Matches("") {
		t.Fatal("zero reference matched empty string")
	}
}

func TestParseHelpers(t *testing.T) {
	if got := ParseNameType("names"); got != NameWords {
		t.Errorf("names -> %q", got)
	}
	if got := ParseNameType("RANDOM"); got != NameRandom {
		t.Errorf("RANDOM -> %q", got)
	}
	if got := ParseNameType(""); got != NameUUID {
		t.Errorf("empty -> %q", got)
	}
	if c, ok := ParseComponent("OrbitDB"); !ok || c != ComponentOrbitDb {
		t.Errorf("OrbitDB -> %q,%v", c, ok)
	}
	if _, ok := ParseComponent("helia"); ok {
		t.Error("helia should not parse")
	}
}

func TestJSONKeepsIdentity(t *testing.T) {
	r := New(ComponentDb, "events-1", NameWords)
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"id":"db-events-1"`) {
		t.Fatalf("missing qualified id in %s", b)
	}
	var back Reference
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !r.Equal(back) {
		t.Fatalf("decoded %v, want %v", back, r)
	}
}
