package serialhal

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		seq     byte
		op      byte
		payload []byte
	}{
		{"empty payload", 1, opStart, nil},
		{"reply with status", 7, opStart | replyFlag, []byte{statusOK}},
		{"event with data", 0, evRxData, []byte{0x00, 0xA4, 0x04, 0x00}},
		{"payload containing sync byte", 9, opSend, []byte{frameSync, frameSync, 0x01}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw := encodeFrame(c.seq, c.op, c.payload)

			var dec decoder
			frames := dec.feed(raw)
			if len(frames) != 1 {
				t.Fatalf("decoded %d frames, want 1", len(frames))
			}
			fr := frames[0]
			if fr.seq != c.seq || fr.op != c.op {
				t.Errorf("got seq=%d op=0x%02X, want seq=%d op=0x%02X", fr.seq, fr.op, c.seq, c.op)
			}
			if !bytes.Equal(fr.payload, c.payload) {
				t.Errorf("payload = % X, want % X", fr.payload, c.payload)
			}
		})
	}
}

func TestDecoderSplitFeeds(t *testing.T) {
	raw := encodeFrame(3, opSend|replyFlag, []byte{statusOK, 0xAA})

	var dec decoder
	var frames []frame
	for _, b := range raw {
		frames = append(frames, dec.feed([]byte{b})...)
	}
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames across byte-wise feeds, want 1", len(frames))
	}
	if !bytes.Equal(frames[0].payload, []byte{statusOK, 0xAA}) {
		t.Errorf("payload = % X", frames[0].payload)
	}
}

func TestDecoderResyncsAfterGarbage(t *testing.T) {
	good := encodeFrame(5, opStop|replyFlag, []byte{statusOK})

	var stream []byte
	stream = append(stream, 0xDE, 0xAD, 0xBE, 0xEF, 0x10, 0x20) // line noise
	stream = append(stream, frameSync)
	stream = append(stream, good...)

	var dec decoder
	frames := dec.feed(stream)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames after garbage, want 1", len(frames))
	}
	if frames[0].seq != 5 {
		t.Errorf("seq = %d, want 5", frames[0].seq)
	}
}

func TestDecoderGarbageAcrossFeeds(t *testing.T) {
	// The first noise byte reads as a 222-byte length prefix; a frame
	// arriving in a later feed must still come through.
	var dec decoder
	if frames := dec.feed([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x10, 0x20}); len(frames) != 0 {
		t.Fatalf("decoded %d frames from pure noise, want 0", len(frames))
	}

	good := encodeFrame(8, opStart|replyFlag, []byte{statusOK})
	frames := dec.feed(good)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames after noise feed, want 1", len(frames))
	}
	if frames[0].seq != 8 {
		t.Errorf("seq = %d, want 8", frames[0].seq)
	}
}

func TestDecoderDropsCorruptCRC(t *testing.T) {
	bad := encodeFrame(1, opStart|replyFlag, []byte{statusOK})
	bad[3] ^= 0xFF // flip a payload bit, CRC no longer matches
	good := encodeFrame(2, opStart|replyFlag, []byte{statusOK})

	var dec decoder
	frames := dec.feed(append(bad, good...))
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want only the valid one", len(frames))
	}
	if frames[0].seq != 2 {
		t.Errorf("seq = %d, want 2", frames[0].seq)
	}
}

func TestDecoderBackToBackFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, encodeFrame(0, evFieldOn, nil)...)
	stream = append(stream, encodeFrame(0, evRxData, []byte{0x30, 0x04})...)
	stream = append(stream, encodeFrame(0, evFieldOff, nil)...)

	var dec decoder
	frames := dec.feed(stream)
	if len(frames) != 3 {
		t.Fatalf("decoded %d frames, want 3", len(frames))
	}
	ops := []byte{evFieldOn, evRxData, evFieldOff}
	for i, fr := range frames {
		if fr.op != ops[i] {
			t.Errorf("frame %d op = 0x%02X, want 0x%02X", i, fr.op, ops[i])
		}
	}
}
