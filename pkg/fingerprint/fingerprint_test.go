package fingerprint

import "testing"

func TestCanonicalStableAcrossCalls(t *testing.T) {
	v := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": "z", "x": "w"}}
	first, firstBytes, err := Canonical(v)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, againBytes, err := Canonical(v)
		if err != nil {
			t.Fatalf("canonical: %v", err)
		}
		if again != first {
			t.Fatalf("digest drifted on call %d: %s vs %s", i, again, first)
		}
		if string(againBytes) != string(firstBytes) {
			t.Fatalf("canonical bytes drifted on call %d", i)
		}
	}
}

func TestCanonicalDistinguishesContent(t *testing.T) {
	a, _, err := Canonical(map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	b, _, err := Canonical(map[string]int{"n": 2})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if a == b {
		t.Fatalf("different content produced identical digest %s", a)
	}
}

func TestSumBytesMatchesCanonical(t *testing.T) {
	digest, bytes, err := Canonical([]string{"one", "two"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if SumBytes(bytes) != digest {
		t.Fatalf("SumBytes disagrees with Canonical: %s vs %s", SumBytes(bytes), digest)
	}
}
