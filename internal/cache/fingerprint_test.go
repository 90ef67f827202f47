// internal/cache/fingerprint_test.go
package cache

import "testing"

func TestFingerprintStableUnderPermutation(t *testing.T) {
	a := map[string]any{"x": int64(1), "y": "two", "z": true}
	b := map[string]any{"z": true, "x": int64(1), "y": "two"}
	if Fingerprint("r", a, nil) != Fingerprint("r", b, nil) {
		t.Fatal("permuted maps produced different fingerprints")
	}
}

func TestFingerprintExcludesInvariants(t *testing.T) {
	exclude := map[string]bool{"c": true}
	a := Fingerprint("r", map[string]any{"c": "A", "lim": int64(5)}, exclude)
	b := Fingerprint("r", map[string]any{"c": "B", "lim": int64(5)}, exclude)
	if a != b {
		t.Fatal("invariant value leaked into the fingerprint")
	}

	c := Fingerprint("r", map[string]any{"c": "A", "lim": int64(6)}, exclude)
	if a == c {
		t.Fatal("non-invariant change did not move the fingerprint")
	}
}

func TestFingerprintSeparatesRoutes(t *testing.T) {
	params := map[string]any{"x": int64(1)}
	if Fingerprint("r1", params, nil) == Fingerprint("r2", params, nil) {
		t.Fatal("route id not part of the key")
	}
}

func TestFingerprintDistinguishesTypes(t *testing.T) {
	a := Fingerprint("r", map[string]any{"v": "5"}, nil)
	b := Fingerprint("r", map[string]any{"v": int64(5)}, nil)
	if a == b {
		t.Fatal("string and int encodings collide")
	}
	if n := len(a); n != fingerprintLen {
		t.Fatalf("fingerprint length = %d", n)
	}
}
