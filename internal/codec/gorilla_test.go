package codec

import (
	"math"
	"testing"
)

func TestEncodeDecodeSegmentRoundTrip(t *testing.T) {
	points := []RawPoint{
		{TS: 1700000000, Value: 10.0},
		{TS: 1700000060, Value: 20.0},
		{TS: 1700000120, Value: 20.0}, // repeated value, xor == 0 path
		{TS: 1700000121, Value: 20.5}, // tiny delta, irregular spacing
		{TS: 1700000300, Value: -5.25},
	}

	blob, err := EncodeSegment(points)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeSegment(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(points) {
		t.Fatalf("expected %d points, got %d", len(points), len(got))
	}
	for i, p := range got {
		if p != points[i] {
			t.Errorf("point %d: got %+v, want %+v", i, p, points[i])
		}
	}
}

func TestEncodeDecodeSegmentEmpty(t *testing.T) {
	blob, err := EncodeSegment(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSegment(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no points, got %d", len(got))
	}
}

func TestEncodeDecodeSegmentSinglePoint(t *testing.T) {
	blob, err := EncodeSegment([]RawPoint{{TS: 42, Value: 3.14}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSegment(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].TS != 42 || got[0].Value != 3.14 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestEncodeSegmentLargeIrregularDeltas(t *testing.T) {
	var points []RawPoint
	ts := int64(1700000000)
	for i := 0; i < 200; i++ {
		ts += int64(i) * 37 // deltas grow by 37 each step, reaching several thousand seconds
		points = append(points, RawPoint{TS: ts, Value: math.Sin(float64(i))})
	}
	blob, err := EncodeSegment(points)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSegment(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(points) {
		t.Fatalf("expected %d points, got %d", len(points), len(got))
	}
	for i := range points {
		if got[i].TS != points[i].TS || got[i].Value != points[i].Value {
			t.Fatalf("point %d mismatch: got %+v, want %+v", i, got[i], points[i])
		}
	}
}

func TestDecodeSegmentCorrupt(t *testing.T) {
	blob, err := EncodeSegment([]RawPoint{{TS: 1, Value: 1}, {TS: 2, Value: 2}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	corrupted := append([]byte{}, blob...)
	corrupted[0] ^= 0xFF
	if _, err := DecodeSegment(corrupted); err == nil {
		t.Fatal("expected error decoding corrupted segment")
	}
}
