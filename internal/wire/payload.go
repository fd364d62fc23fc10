package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmmd-project/vmmd/internal/vmmerr"
)

// Timestamp is a wire-level timestamp split into whole seconds and a
// sub-second fraction expressed in picoseconds, matching the console
// protocol's "seconds + picoseconds-fraction" encoding.
type Timestamp struct {
	Seconds     int64
	Picoseconds int64
}

// FromTime converts a time.Time to the wire Timestamp representation.
func FromTime(t time.Time) Timestamp {
	return Timestamp{
		Seconds:     t.Unix(),
		Picoseconds: int64(t.Nanosecond()) * 1000,
	}
}

// Time converts a wire Timestamp back to a time.Time (UTC).
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, t.Picoseconds/1000).UTC()
}

// Before reports whether t occurs strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	if t.Seconds != other.Seconds {
		return t.Seconds < other.Seconds
	}
	return t.Picoseconds < other.Picoseconds
}

func encodeTimestamp(t Timestamp) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(t.Seconds))
	binary.BigEndian.PutUint64(buf[8:], uint64(t.Picoseconds))
	return buf[:]
}

func decodeTimestamp(data []byte) (Timestamp, []byte, error) {
	if len(data) < 16 {
		return Timestamp{}, nil, fmt.Errorf("truncated timestamp")
	}
	return Timestamp{
		Seconds:     int64(binary.BigEndian.Uint64(data[:8])),
		Picoseconds: int64(binary.BigEndian.Uint64(data[8:16])),
	}, data[16:], nil
}

func encodeString(s string) []byte {
	var out []byte
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	out = append(out, length[:]...)
	out = append(out, s...)
	return out
}

func decodeString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("truncated string length")
	}
	length := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < length {
		return "", nil, fmt.Errorf("truncated string")
	}
	return string(data[:length]), data[length:], nil
}

// HistoryPayload is the request body of a History command: the since-cursor.
type HistoryPayload struct {
	Since Timestamp
}

func EncodeHistory(p HistoryPayload) []byte {
	return encodeTimestamp(p.Since)
}

func DecodeHistory(data []byte) (HistoryPayload, error) {
	ts, _, err := decodeTimestamp(data)
	if err != nil {
		return HistoryPayload{}, vmmerr.Decode("history payload", err)
	}
	return HistoryPayload{Since: ts}, nil
}

// DataPayload is a console Data message: identifier, timestamp, line. The
// identifier travels in the frame header too; it is repeated in the payload
// so that a Data message remains self-describing when logged or replayed
// out of frame context.
type DataPayload struct {
	ID   VMID
	At   Timestamp
	Line string
}

func EncodeData(p DataPayload) []byte {
	out := encodeVMID(p.ID)
	out = append(out, encodeTimestamp(p.At)...)
	out = append(out, encodeString(p.Line)...)
	return out
}

func DecodeData(data []byte) (DataPayload, error) {
	id, err := decodeVMID(data)
	if err != nil {
		return DataPayload{}, fmt.Errorf("decode data id: %w", err)
	}
	// decodeVMID does not report how many bytes it consumed, so re-walk
	// the count/label structure here to find the remainder.
	if len(data) < 2 {
		return DataPayload{}, fmt.Errorf("truncated data payload")
	}
	count := binary.BigEndian.Uint16(data[:2])
	rest := data[2:]
	for i := uint16(0); i < count; i++ {
		if len(rest) < 2 {
			return DataPayload{}, fmt.Errorf("truncated data label length")
		}
		labelLen := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if uint16(len(rest)) < labelLen {
			return DataPayload{}, fmt.Errorf("truncated data label")
		}
		rest = rest[labelLen:]
	}

	ts, rest, err := decodeTimestamp(rest)
	if err != nil {
		return DataPayload{}, fmt.Errorf("decode data timestamp: %w", err)
	}
	line, _, err := decodeString(rest)
	if err != nil {
		return DataPayload{}, fmt.Errorf("decode data line: %w", err)
	}
	return DataPayload{ID: id, At: ts, Line: line}, nil
}

// ReplyPayload is the body of a Success/Fail reply: an optional message.
type ReplyPayload struct {
	Message string
}

func EncodeReply(p ReplyPayload) []byte {
	return encodeString(p.Message)
}

func DecodeReply(data []byte) (ReplyPayload, error) {
	msg, _, err := decodeString(data)
	if err != nil {
		return ReplyPayload{}, fmt.Errorf("decode reply payload: %w", err)
	}
	return ReplyPayload{Message: msg}, nil
}

// CreatePayload is the request body of a Create command.
type CreatePayload struct {
	MemoryMB   int
	CPUs       int
	TapCount   int
	SetupFiles map[string]string // optional guest-visible seed files
}

func EncodeCreate(p CreatePayload) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.MemoryMB))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.CPUs))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.TapCount))
	out := append([]byte{}, buf[:]...)

	var fileCount [4]byte
	binary.BigEndian.PutUint32(fileCount[:], uint32(len(p.SetupFiles)))
	out = append(out, fileCount[:]...)
	for name, content := range p.SetupFiles {
		out = append(out, encodeString(name)...)
		out = append(out, encodeString(content)...)
	}
	return out
}

func DecodeCreate(data []byte) (CreatePayload, error) {
	if len(data) < 16 {
		return CreatePayload{}, vmmerr.Decode("truncated create payload", nil)
	}
	p := CreatePayload{
		MemoryMB: int(binary.BigEndian.Uint32(data[0:4])),
		CPUs:     int(binary.BigEndian.Uint32(data[4:8])),
		TapCount: int(binary.BigEndian.Uint32(data[8:12])),
	}
	fileCount := binary.BigEndian.Uint32(data[12:16])
	rest := data[16:]
	if fileCount > 0 {
		p.SetupFiles = make(map[string]string, fileCount)
	}
	for i := uint32(0); i < fileCount; i++ {
		name, next, err := decodeString(rest)
		if err != nil {
			return CreatePayload{}, vmmerr.Decode("create setup file name", err)
		}
		content, next2, err := decodeString(next)
		if err != nil {
			return CreatePayload{}, vmmerr.Decode("create setup file content", err)
		}
		p.SetupFiles[name] = content
		rest = next2
	}
	return p, nil
}
