package ids

import "testing"

func TestNewProducesValidIDs(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("consecutive ids must differ")
	}
	if !Valid(a) || !Valid(b) {
		t.Fatalf("generated ids must validate: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("ids must sort by generation order: %q >= %q", a, b)
	}
}

func TestValidRejectsMalformedInput(t *testing.T) {
	for _, s := range []string{"", "not-a-ulid", "123", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(s) {
			t.Fatalf("Valid(%q) = true", s)
		}
	}
}
