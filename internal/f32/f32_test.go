package f32

import "testing"

func TestRoundTrip(t *testing.T) {
	v := []float32{0, 1, -1, 0.5, 3.1415927, -2.5e-8}
	got, err := Decode(Encode(v))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != len(v) {
		t.Fatalf("length %d, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("element %d: %v != %v", i, got[i], v[i])
		}
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("Decode accepted truncated blob")
	}
}

func TestDecodeIntoReusesBuffer(t *testing.T) {
	blob := Encode([]float32{1, 2, 3, 4})
	buf := make([]float32, 0, 16)
	out, err := DecodeInto(buf, blob)
	if err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if len(out) != 4 || cap(out) != 16 {
		t.Errorf("len=%d cap=%d, want len=4 cap=16", len(out), cap(out))
	}
}
