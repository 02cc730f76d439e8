package telegram

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFramerSingleTelegram(t *testing.T) {
	f := NewFramer()
	payloads := f.Feed(Encode([]byte("sSN LMDscandata test")))
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if string(payloads[0]) != "sSN LMDscandata test" {
		t.Errorf("payload mismatch: %q", payloads[0])
	}
}

func TestFramerResyncAfterGarbage(t *testing.T) {
	// Garbage bytes before the first STX are discarded; both telegrams after
	// it are still emitted.
	stream := []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	stream = append(stream, Encode([]byte("abc"))...)
	stream = append(stream, Encode([]byte("ok"))...)

	f := NewFramer()
	payloads := f.Feed(stream)
	if len(payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(payloads))
	}
	if string(payloads[0]) != "abc" || string(payloads[1]) != "ok" {
		t.Errorf("payloads mismatch: %q, %q", payloads[0], payloads[1])
	}
}

func TestFramerSplitTelegram(t *testing.T) {
	frame := Encode([]byte("split-across-packets"))

	f := NewFramer()
	for i := 0; i < len(frame); i++ {
		payloads := f.Feed(frame[i : i+1])
		if i < len(frame)-1 {
			if len(payloads) != 0 {
				t.Fatalf("premature emission at byte %d", i)
			}
			continue
		}
		if len(payloads) != 1 || string(payloads[0]) != "split-across-packets" {
			t.Fatalf("expected payload on final byte, got %v", payloads)
		}
	}
}

func TestFramerCoalescedTelegrams(t *testing.T) {
	var stream []byte
	want := []string{"one", "two", "three"}
	for _, p := range want {
		stream = append(stream, Encode([]byte(p))...)
	}

	f := NewFramer()
	payloads := f.Feed(stream)
	if len(payloads) != len(want) {
		t.Fatalf("expected %d payloads, got %d", len(want), len(payloads))
	}
	for i, p := range payloads {
		if string(p) != want[i] {
			t.Errorf("payload %d: got %q, want %q", i, p, want[i])
		}
	}
}

func TestFramerBadChecksumDropped(t *testing.T) {
	// A telegram with its checksum flipped is never emitted, and the next
	// valid telegram in the stream still is.
	bad := Encode([]byte("corrupted"))
	bad[len(bad)-1] ^= 0xFF
	stream := append(bad, Encode([]byte("good"))...)

	f := NewFramer()
	payloads := f.Feed(stream)
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if string(payloads[0]) != "good" {
		t.Errorf("expected the valid telegram, got %q", payloads[0])
	}
}

func TestFramerSplitSTXAcrossFeeds(t *testing.T) {
	// The first two STX bytes arrive alone; the framer must not discard them
	// while waiting for the rest.
	frame := Encode([]byte("late"))

	f := NewFramer()
	if got := f.Feed(frame[:2]); len(got) != 0 {
		t.Fatalf("unexpected emission: %v", got)
	}
	payloads := f.Feed(frame[2:])
	if len(payloads) != 1 || string(payloads[0]) != "late" {
		t.Fatalf("expected payload after completing the frame, got %v", payloads)
	}
}

// TestFramerBoundaryIndependence checks that arbitrary packetization of the
// same byte stream emits the same payloads as feeding it in one piece.
func TestFramerBoundaryIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	var stream []byte
	var want [][]byte
	for i := 0; i < 20; i++ {
		// Interleave noise and valid telegrams. Noise excludes 0x02 so it
		// cannot combine with a following real STX into a false marker that
		// would legitimately swallow a telegram.
		noise := make([]byte, rng.Intn(10))
		rng.Read(noise)
		for j := range noise {
			if noise[j] == 0x02 {
				noise[j] = 0xAB
			}
		}
		stream = append(stream, noise...)

		payload := make([]byte, 1+rng.Intn(40))
		rng.Read(payload)
		stream = append(stream, Encode(payload)...)
		want = append(want, payload)
	}

	whole := NewFramer()
	wholeOut := whole.Feed(stream)

	chunked := NewFramer()
	var chunkedOut [][]byte
	for pos := 0; pos < len(stream); {
		n := 1 + rng.Intn(17)
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		chunkedOut = append(chunkedOut, chunked.Feed(stream[pos:pos+n])...)
		pos += n
	}

	if len(chunkedOut) != len(wholeOut) {
		t.Fatalf("chunked emitted %d payloads, whole-stream emitted %d", len(chunkedOut), len(wholeOut))
	}
	for i := range chunkedOut {
		if !bytes.Equal(chunkedOut[i], wholeOut[i]) {
			t.Errorf("payload %d differs between chunked and whole-stream feeds", i)
		}
	}
	if len(wholeOut) != len(want) {
		t.Fatalf("whole-stream emitted %d payloads, want %d", len(wholeOut), len(want))
	}
	for i := range want {
		if !bytes.Equal(wholeOut[i], want[i]) {
			t.Errorf("payload %d mismatch", i)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	payload := []byte("sMN LMCstartmeas")
	frame := Encode(payload)

	if len(frame) != 8+len(payload)+1 {
		t.Fatalf("frame length %d, want %d", len(frame), 8+len(payload)+1)
	}
	if !bytes.Equal(frame[:4], []byte{0x02, 0x02, 0x02, 0x02}) {
		t.Error("missing STX")
	}

	f := NewFramer()
	payloads := f.Feed(frame)
	if len(payloads) != 1 || !bytes.Equal(payloads[0], payload) {
		t.Fatalf("round trip failed: %v", payloads)
	}
}
