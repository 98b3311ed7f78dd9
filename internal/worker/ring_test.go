package worker

import (
	"strings"
	"testing"
)

func TestRingBufferKeepsTail(t *testing.T) {
	r := newRingBuffer(10)

	if _, err := r.Write([]byte("abcde")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte("fghij")); err != nil {
		t.Fatal(err)
	}
	if got := r.String(); got != "abcdefghij" {
		t.Fatalf("expected full content, got %q", got)
	}
	if r.Clipped() {
		t.Fatal("nothing should be clipped yet")
	}

	if _, err := r.Write([]byte("KLM")); err != nil {
		t.Fatal(err)
	}
	if got := r.String(); got != "defghijKLM" {
		t.Fatalf("expected tail, got %q", got)
	}
	if !r.Clipped() {
		t.Fatal("expected clipped flag")
	}
	if r.Total() != 13 {
		t.Fatalf("expected total 13, got %d", r.Total())
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	r := newRingBuffer(4)

	big := strings.Repeat("x", 100) + "TAIL"
	if _, err := r.Write([]byte(big)); err != nil {
		t.Fatal(err)
	}
	if got := r.String(); got != "TAIL" {
		t.Fatalf("expected last 4 bytes, got %q", got)
	}
	if r.Total() != 104 {
		t.Fatalf("expected total 104, got %d", r.Total())
	}
	if r.Chunks() != 1 {
		t.Fatalf("expected 1 chunk, got %d", r.Chunks())
	}
}
