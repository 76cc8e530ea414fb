package engine

import (
	"encoding/binary"
	"errors"
	"os"
	"testing"
)

func TestFrameEncoding(t *testing.T) {
	for _, compress := range []bool{false, true} {
		j := &Journal{compress: compress}
		in := commitPayload{
			Version: 7,
			NextSeq: 12,
			Ops: []commitOp{
				{Kind: opDelete, Bundle: "Person", DocumentID: "3"},
				{Kind: opPut, Bundle: "Person", Document: encodeDocument(11, person(4, "Ada", 36, 1))},
			},
		}

		frame, err := j.encodeFrame(frameCommit, in)
		if err != nil {
			t.Fatalf("encodeFrame(compress=%v) failed: %v", compress, err)
		}

		kind, payload, frameLen, damage := decodeFrame(frame)
		if damage != nil {
			t.Fatalf("decodeFrame(compress=%v) reported damage: %v", compress, damage)
		}
		if kind != frameCommit || frameLen != int64(len(frame)) {
			t.Errorf("Expected commit frame of %d bytes, got %s of %d", len(frame), kind, frameLen)
		}

		var out commitPayload
		if err := decodePayload(payload, &out); err != nil {
			t.Fatalf("decodePayload failed: %v", err)
		}
		if out.Version != 7 || out.NextSeq != 12 || len(out.Ops) != 2 {
			t.Fatalf("Decoded payload differs: %+v", out)
		}
		if out.Ops[1].Document == nil || out.Ops[1].Document.Fields["name"].Str != "Ada" {
			t.Errorf("Decoded put lost its document: %+v", out.Ops[1])
		}
	}
}

func TestDecodeFrameDamage(t *testing.T) {
	j := &Journal{}
	frame, err := j.encodeFrame(frameSnapshot, snapshotPayload{Version: 1, NextSeq: 1})
	if err != nil {
		t.Fatalf("encodeFrame failed: %v", err)
	}

	mutate := func(fn func(b []byte) []byte) []byte {
		b := make([]byte, len(frame))
		copy(b, frame)
		return fn(b)
	}

	tests := []struct {
		name    string
		data    []byte
		wantLen int64
	}{
		{name: "short header", data: frame[:frameHeaderSize-1], wantLen: 0},
		{name: "bad magic", data: mutate(func(b []byte) []byte { b[0] = 'X'; return b }), wantLen: frameHeaderSize},
		{name: "damaged length", data: mutate(func(b []byte) []byte { b[9] ^= 0x40; return b }), wantLen: frameHeaderSize},
		{name: "damaged kind", data: mutate(func(b []byte) []byte { b[4] = 42; return b }), wantLen: frameHeaderSize},
		{name: "truncated payload", data: frame[:len(frame)-1], wantLen: int64(len(frame))},
		{name: "checksum mismatch", data: mutate(func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }), wantLen: int64(len(frame))},
		{name: "unknown kind", data: mutate(func(b []byte) []byte {
			b[4] = 42
			copy(b[headerSumOffset:bodySumOffset], headerSum(b))
			return b
		}), wantLen: int64(len(frame))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, frameLen, damage := decodeFrame(tt.data)
			if damage == nil {
				t.Fatal("Expected damage to be reported")
			}
			if frameLen != tt.wantLen {
				t.Errorf("Expected frame length %d, got %d", tt.wantLen, frameLen)
			}
		})
	}
}

// journalFrames returns the offset and length of every frame in a file.
func journalFrames(t *testing.T, data []byte) [][2]int {
	t.Helper()
	var frames [][2]int
	for offset := 0; offset < len(data); {
		_, _, frameLen, damage := decodeFrame(data[offset:])
		if damage != nil {
			t.Fatalf("Unexpected damage at offset %d: %v", offset, damage)
		}
		frames = append(frames, [2]int{offset, int(frameLen)})
		offset += int(frameLen)
	}
	return frames
}

func TestReplayTruncatesTornTail(t *testing.T) {
	tests := []struct {
		name string
		tail func(frame []byte) []byte
	}{
		{name: "short header", tail: func(f []byte) []byte { return f[:20] }},
		{name: "truncated payload", tail: func(f []byte) []byte { return f[:len(f)-3] }},
		{name: "checksum mismatch", tail: func(f []byte) []byte {
			b := append([]byte(nil), f...)
			b[len(b)-1] ^= 0xff
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := testSettings(t)
			args.CompactOnClose = false
			db := openTestDatabase(t, args, testSchema(t))
			putAll(t, db, person(1, "Ada", 36, 1))
			putAll(t, db, person(2, "Grace", 45, 1))
			path := db.Meta().FilePath
			db.Close()

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("Failed to read database file: %v", err)
			}
			frames := journalFrames(t, data)
			last := frames[len(frames)-1]
			torn := tt.tail(data[last[0] : last[0]+last[1]])
			if err := os.WriteFile(path, append(data, torn...), 0644); err != nil {
				t.Fatalf("Failed to write torn tail: %v", err)
			}

			reopened := openTestDatabase(t, args, testSchema(t))
			if n := reopened.Stats().Documents["Person"]; n != 2 {
				t.Fatalf("Expected both committed persons after recovery, got %d", n)
			}
			if size := reopened.Stats().FileSize; size >= int64(len(data)+len(torn)) {
				t.Errorf("Torn tail was not removed: file is %d bytes", size)
			}

			putAll(t, reopened, person(3, "Linus", 30, 2))
			reopened.Close()

			again := openTestDatabase(t, args, testSchema(t))
			if n := again.Stats().Documents["Person"]; n != 3 {
				t.Errorf("Expected 3 persons after writing past the recovered tail, got %d", n)
			}
		})
	}
}

func TestReplayRejectsCorruptFrame(t *testing.T) {
	args := testSettings(t)
	args.CompactOnClose = false
	args.Compress = false
	db := openTestDatabase(t, args, testSchema(t))
	putAll(t, db, person(1, "Ada", 36, 1))
	putAll(t, db, person(2, "Grace", 45, 1))
	putAll(t, db, person(3, "Linus", 30, 2))
	path := db.Meta().FilePath
	db.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read database file: %v", err)
	}
	frames := journalFrames(t, data)
	if len(frames) != 4 {
		t.Fatalf("Expected a header and 3 commit frames, got %d frames", len(frames))
	}

	middle := frames[2]
	data[middle[0]+frameHeaderSize+1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write corrupted file: %v", err)
	}

	_, err = OpenDatabase(Options{Name: "people", Schema: testSchema(t), Settings: args})
	if !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("Expected ErrCorruptFile, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read database file: %v", err)
	}
	if len(after) != len(data) {
		t.Errorf("A corrupt file must be left untouched, size went from %d to %d", len(data), len(after))
	}
}

func TestReplayRejectsDamagedFrameLength(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
	}{
		{name: "past end of file", length: 1 << 30},
		{name: "inside the next frame", length: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := testSettings(t)
			args.CompactOnClose = false
			db := openTestDatabase(t, args, testSchema(t))
			putAll(t, db, person(1, "Ada", 36, 1))
			putAll(t, db, person(2, "Grace", 45, 1))
			putAll(t, db, person(3, "Linus", 30, 2))
			path := db.Meta().FilePath
			db.Close()

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("Failed to read database file: %v", err)
			}
			first := journalFrames(t, data)[1]
			binary.LittleEndian.PutUint32(data[first[0]+8:], tt.length)
			if err := os.WriteFile(path, data, 0644); err != nil {
				t.Fatalf("Failed to write damaged file: %v", err)
			}

			_, err = OpenDatabase(Options{Name: "people", Schema: testSchema(t), Settings: args})
			if !errors.Is(err, ErrCorruptFile) {
				t.Fatalf("Expected ErrCorruptFile, got %v", err)
			}
			after, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("Failed to read database file: %v", err)
			}
			if len(after) != len(data) {
				t.Errorf("Committed frames were discarded: size went from %d to %d", len(data), len(after))
			}
		})
	}
}
