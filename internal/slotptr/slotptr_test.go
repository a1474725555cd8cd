package slotptr

import "testing"

func TestTransformSelfInverse(t *testing.T) {
	cases := []uintptr{0, 1, 0xdeadbeef, ^uintptr(0), 0x7ffee0001000}
	for _, p := range cases {
		enc := Transform(p)
		// All-zero and all-ones words read the same in either byte order,
		// so they are the only cases here a byte swap leaves unchanged.
		if enc == p && p != 0 && p != ^uintptr(0) {
			t.Fatalf("Transform(%#x) left the pointer unchanged", p)
		}
		if got := Transform(enc); got != p {
			t.Fatalf("Transform(Transform(%#x)) = %#x, want %#x", p, got, p)
		}
	}
}

func TestNilRoundTrips(t *testing.T) {
	if Transform(Nil) != 0 {
		t.Fatalf("Transform(Nil) = %#x, want 0", Transform(Nil))
	}
}

func TestCorruptionAltersDecode(t *testing.T) {
	p := uintptr(0x0000000012345678)
	enc := Transform(p)
	corrupted := enc ^ 0xff // one byte flipped in the encoded representation
	if Transform(corrupted) == p {
		t.Fatalf("single-byte corruption of the encoded pointer decoded to the original value")
	}
}
