package engine

// The journal is the on-disk form of a database: a header frame followed by
// snapshot and commit frames, all appended to the database's single file.
// Every commit is appended to the journal before it becomes visible, and the
// journal is periodically rewritten as a header plus one snapshot.

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"kestreldb/src/filemgr"
	"kestreldb/src/helpers"
)

type frameKind byte

const (
	frameHeader frameKind = iota + 1
	frameSnapshot
	frameCommit
)

func (k frameKind) String() string {
	switch k {
	case frameHeader:
		return "header"
	case frameSnapshot:
		return "snapshot"
	case frameCommit:
		return "commit"
	}
	return fmt.Sprintf("frame(%d)", byte(k))
}

const (
	frameMagic = "KDBF"

	// magic, kind, flags, two reserved bytes, payload length, header sum,
	// payload sum
	frameHeaderSize = 4 + 1 + 1 + 2 + 4 + headerSumSize + blake2b.Size256

	// The header sum covers the first 12 header bytes.
	headerSumSize   = 4
	headerSumOffset = 12
	bodySumOffset   = headerSumOffset + headerSumSize

	flagSnappy byte = 1 << 0
)

// journalFiles is the part of the file registry a journal writes through.
type journalFiles interface {
	SyncAfterWrite(file *filemgr.ManagedFile) error
	ReplaceContents(file *filemgr.ManagedFile, data []byte) error
}

// Journal appends frames to a managed database file and reads them back.
type Journal struct {
	files    journalFiles
	file     *filemgr.ManagedFile
	compress bool
	logger   *zap.SugaredLogger
}

func NewJournal(files *filemgr.FileRegistry, file *filemgr.ManagedFile, compress bool, logger *zap.SugaredLogger) *Journal {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Journal{files: files, file: file, compress: compress, logger: logger}
}

// Size is the current length of the journal in bytes.
func (j *Journal) Size() int64 {
	return j.file.Size()
}

// encodeFrame marshals payload to BSON and wraps it in a checksummed frame.
func (j *Journal) encodeFrame(kind frameKind, payload interface{}) ([]byte, error) {
	body, err := helpers.EncodeBSON(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", kind, err)
	}

	var flags byte
	if j.compress {
		body = snappy.Encode(nil, body)
		flags |= flagSnappy
	}

	sum := blake2b.Sum256(body)

	var buffer bytes.Buffer
	buffer.Grow(frameHeaderSize + len(body))
	buffer.WriteString(frameMagic)
	buffer.WriteByte(byte(kind))
	buffer.WriteByte(flags)
	buffer.Write([]byte{0, 0})
	binary.Write(&buffer, binary.LittleEndian, uint32(len(body)))
	buffer.Write(headerSum(buffer.Bytes()))
	buffer.Write(sum[:])
	buffer.Write(body)

	return buffer.Bytes(), nil
}

func headerSum(header []byte) []byte {
	sum := blake2b.Sum256(header[:headerSumOffset])
	return sum[:headerSumSize]
}

// Append writes one frame and syncs it according to the sync policy. On
// failure the file is cut back to its previous length.
func (j *Journal) Append(kind frameKind, payload interface{}) error {
	frame, err := j.encodeFrame(kind, payload)
	if err != nil {
		return err
	}

	before := j.file.Size()
	if _, err := j.file.Append(frame); err != nil {
		return j.rollbackAppend(before, err)
	}
	if err := j.files.SyncAfterWrite(j.file); err != nil {
		return j.rollbackAppend(before, fmt.Errorf("failed to sync journal: %w", err))
	}

	j.logger.Debugw("Appended journal frame", "path", j.file.Path(), "kind", kind.String(), "bytes", len(frame))
	return nil
}

func (j *Journal) rollbackAppend(size int64, cause error) error {
	if err := j.file.Truncate(size); err != nil {
		j.logger.Errorw("Failed to truncate journal after failed append", "path", j.file.Path(), "size", size, "error", err)
	}
	return cause
}

// Rewrite replaces the whole journal with a header frame and one snapshot frame.
func (j *Journal) Rewrite(header interface{}, snapshot interface{}) error {
	headerFrame, err := j.encodeFrame(frameHeader, header)
	if err != nil {
		return err
	}
	snapshotFrame, err := j.encodeFrame(frameSnapshot, snapshot)
	if err != nil {
		return err
	}

	data := make([]byte, 0, len(headerFrame)+len(snapshotFrame))
	data = append(data, headerFrame...)
	data = append(data, snapshotFrame...)

	if err := j.files.ReplaceContents(j.file, data); err != nil {
		return fmt.Errorf("failed to rewrite journal: %w", err)
	}
	return nil
}

// replayResult describes what a replay found at the end of the journal.
type replayResult struct {
	frames    int
	validSize int64
	torn      bool
}

// Replay reads every frame in order and hands its decoded payload to fn. A
// damaged frame that reaches the end of the file is a torn write: the file
// is truncated to the last good frame. Damage followed by more data is
// reported as ErrCorruptFile. The length of a frame is only trusted once its
// header sum checks out.
func (j *Journal) Replay(fn func(kind frameKind, payload []byte) error) (replayResult, error) {
	var result replayResult

	data, release, err := j.file.ReadAll()
	if err != nil {
		return result, err
	}

	size := int64(len(data))
	var offset int64
	for offset < size {
		kind, payload, frameLen, damage := decodeFrame(data[offset:])
		if damage != nil {
			if frameLen == 0 || offset+frameLen >= size {
				result.torn = true
				break
			}
			release()
			return result, fmt.Errorf("%s: frame at offset %d: %v: %w", j.file.Path(), offset, damage, ErrCorruptFile)
		}

		if err := fn(kind, payload); err != nil {
			release()
			return result, fmt.Errorf("%s: %s frame at offset %d: %w", j.file.Path(), kind, offset, err)
		}

		offset += frameLen
		result.frames++
	}
	result.validSize = offset

	if err := release(); err != nil {
		return result, fmt.Errorf("failed to unmap %s: %w", j.file.Path(), err)
	}

	if result.torn {
		j.logger.Warnw("Truncating torn journal tail", "path", j.file.Path(), "validSize", offset, "fileSize", size)
		if err := j.file.Truncate(offset); err != nil {
			return result, err
		}
	}

	return result, nil
}

// decodeFrame parses the frame at the start of data. frameLen is the length
// a valid header claims, frameHeaderSize when the header itself is damaged,
// or 0 when the header does not fit in data. The returned payload never
// aliases data.
func decodeFrame(data []byte) (kind frameKind, payload []byte, frameLen int64, damage error) {
	if len(data) < frameHeaderSize {
		return 0, nil, 0, fmt.Errorf("short frame header")
	}
	if string(data[:4]) != frameMagic {
		return 0, nil, frameHeaderSize, fmt.Errorf("bad frame magic")
	}
	if !bytes.Equal(headerSum(data), data[headerSumOffset:bodySumOffset]) {
		return 0, nil, frameHeaderSize, fmt.Errorf("header checksum mismatch")
	}

	kind = frameKind(data[4])
	flags := data[5]
	length := binary.LittleEndian.Uint32(data[8:12])
	frameLen = int64(frameHeaderSize) + int64(length)

	if int64(len(data)) < frameLen {
		return kind, nil, frameLen, fmt.Errorf("frame payload truncated")
	}

	body := data[frameHeaderSize:frameLen]
	sum := blake2b.Sum256(body)
	if !bytes.Equal(sum[:], data[bodySumOffset:frameHeaderSize]) {
		return kind, nil, frameLen, fmt.Errorf("checksum mismatch")
	}

	switch kind {
	case frameHeader, frameSnapshot, frameCommit:
	default:
		return kind, nil, frameLen, fmt.Errorf("unknown frame kind %d", byte(kind))
	}

	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return kind, nil, frameLen, fmt.Errorf("failed to decompress frame: %w", err)
		}
		return kind, decoded, frameLen, nil
	}

	payload = make([]byte, len(body))
	copy(payload, body)
	return kind, payload, frameLen, nil
}
