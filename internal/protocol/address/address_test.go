package address

import "testing"

func TestParseValid(t *testing.T) {
	cases := []struct {
		in   string
		name string
		dom  string
	}{
		{"bob::r.test", "bob", "r.test"},
		{"Bob::R.Test", "bob", "r.test"},
		{"agent-1::example.com", "agent-1", "example.com"},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got.Name != c.name || got.Domain != c.dom {
			t.Fatalf("Parse(%q) = %+v, want {%s %s}", c.in, got, c.name, c.dom)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"bob r.test",
		"bob",
		"::r.test",
		"bob::",
		"-bob::r.test",
		"bob r::r.test",
	}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) expected error, got nil", in)
		}
	}
}

func TestEqualityAfterNormalization(t *testing.T) {
	a, _ := Parse("Bob::R.Test")
	b, _ := Parse("bob::r.test")
	if !a.Equal(b) {
		t.Fatal("expected equal after normalization")
	}
}

func TestStringRoundTrip(t *testing.T) {
	a, _ := Parse("bob::r.test")
	if a.String() != "bob::r.test" {
		t.Fatalf("String() = %q", a.String())
	}
}
