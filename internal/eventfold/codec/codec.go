// Package codec implements the EventfoldDB on-disk binary format: the
// 8-byte file header and the length-prefixed, CRC32-checksummed record
// frame. It is pure data transformation — no file I/O, no concurrency, no
// index management — matching the record-framing shape of a typical
// append-only log library.
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
)

// Magic identifies an EventfoldDB log file: ASCII "EFDB".
var Magic = [4]byte{0x45, 0x46, 0x44, 0x42}

// FormatVersion is the current on-disk format version.
const FormatVersion uint32 = 1

// HeaderSize is the fixed size of the file header in bytes.
const HeaderSize = 8

// fixedBodySize is every record field except the three variable-length
// byte runs: global_position(8) + stream_id(16) + stream_version(8) +
// event_id(16) + event_type_len(2) + metadata_len(4) + payload_len(4) +
// crc32(4) = 62.
const fixedBodySize = 8 + 16 + 8 + 16 + 2 + 4 + 4 + 4

// lengthPrefixSize is the size of the record_length field.
const lengthPrefixSize = 4

// EncodeHeader returns the fixed 8-byte file header: magic + format
// version, little-endian.
func EncodeHeader() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	return buf
}

// DecodeHeader validates the magic and format version of a file header.
func DecodeHeader(buf [HeaderSize]byte) (uint32, error) {
	if [4]byte(buf[0:4]) != Magic {
		return 0, &eventfold.InvalidHeaderError{Reason: "wrong magic bytes: expected EFDB"}
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != FormatVersion {
		return 0, &eventfold.InvalidHeaderError{Reason: fmt.Sprintf("unsupported format version: %d", version)}
	}
	return version, nil
}

// EncodeRecord serializes a RecordedEvent into the on-disk frame format:
// length prefix, body (global_position .. payload), then a CRC32 over the
// body. Encoding is deterministic — no timestamps, no padding.
func EncodeRecord(e *eventfold.RecordedEvent) []byte {
	etBytes := []byte(e.EventType)
	bodyLen := fixedBodySize + len(etBytes) + len(e.Metadata) + len(e.Payload)
	totalLen := lengthPrefixSize + bodyLen

	buf := make([]byte, 0, totalLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(bodyLen))

	bodyStart := len(buf)
	buf = binary.LittleEndian.AppendUint64(buf, e.GlobalPosition)
	buf = append(buf, e.StreamID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, e.StreamVersion)
	buf = append(buf, e.EventID[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(etBytes)))
	buf = append(buf, etBytes...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Metadata)))
	buf = append(buf, e.Metadata...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)

	crc := crc32.ChecksumIEEE(buf[bodyStart:])
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf
}

// DecodeOutcome is the result of DecodeRecord: exactly one of Complete or
// Incomplete is meaningful, selected by the Complete field.
type DecodeOutcome struct {
	// Complete is true when a full record was parsed and CRC-verified.
	Complete bool
	// Event is populated iff Complete is true.
	Event eventfold.RecordedEvent
	// Consumed is the number of bytes read from buf, iff Complete is true.
	Consumed int
}

// DecodeRecord decodes a single record from the start of buf.
//
// Returns (outcome, nil) when the buffer holds a complete record or is
// merely too short to know yet ("Incomplete" — not an error, the caller
// should wait for more bytes or stop recovery). Returns a non-nil error,
// always *eventfold.CorruptRecordError, when the bytes present are
// internally inconsistent: CRC mismatch, invalid UTF-8 in event_type, or
// a length field that would run past the declared body. This Complete /
// Incomplete / Corrupt three-way split is what makes crash recovery safe:
// a truncated trailing frame after an unclean shutdown must look like
// Incomplete, never Corrupt.
func DecodeRecord(buf []byte) (DecodeOutcome, error) {
	if len(buf) < lengthPrefixSize {
		return DecodeOutcome{}, nil
	}

	recordLength := binary.LittleEndian.Uint32(buf[0:4])
	total := lengthPrefixSize + int(recordLength)
	if len(buf) < total {
		return DecodeOutcome{}, nil
	}

	body := buf[lengthPrefixSize:total]
	if len(body) < 4 {
		return DecodeOutcome{}, &eventfold.CorruptRecordError{Detail: "record body too short for checksum"}
	}
	crcOffset := len(body) - 4
	storedCRC := binary.LittleEndian.Uint32(body[crcOffset:])
	computedCRC := crc32.ChecksumIEEE(body[:crcOffset])
	if storedCRC != computedCRC {
		return DecodeOutcome{}, &eventfold.CorruptRecordError{
			Detail: fmt.Sprintf("CRC32 mismatch: stored %#08x, computed %#08x", storedCRC, computedCRC),
		}
	}

	protected := body[:crcOffset]
	cursor := 0
	readBytes := func(n int) ([]byte, error) {
		if cursor+n > len(protected) {
			return nil, &eventfold.CorruptRecordError{Detail: "unexpected end of record body"}
		}
		start := cursor
		cursor += n
		return protected[start:cursor], nil
	}

	gpBytes, err := readBytes(8)
	if err != nil {
		return DecodeOutcome{}, err
	}
	globalPosition := binary.LittleEndian.Uint64(gpBytes)

	sidBytes, err := readBytes(16)
	if err != nil {
		return DecodeOutcome{}, err
	}
	streamID, err := uuid.FromBytes(sidBytes)
	if err != nil {
		return DecodeOutcome{}, &eventfold.CorruptRecordError{Position: globalPosition, Detail: "malformed stream_id: " + err.Error()}
	}

	svBytes, err := readBytes(8)
	if err != nil {
		return DecodeOutcome{}, err
	}
	streamVersion := binary.LittleEndian.Uint64(svBytes)

	eidBytes, err := readBytes(16)
	if err != nil {
		return DecodeOutcome{}, err
	}
	eventID, err := uuid.FromBytes(eidBytes)
	if err != nil {
		return DecodeOutcome{}, &eventfold.CorruptRecordError{Position: globalPosition, Detail: "malformed event_id: " + err.Error()}
	}

	etLenBytes, err := readBytes(2)
	if err != nil {
		return DecodeOutcome{}, err
	}
	eventTypeLen := int(binary.LittleEndian.Uint16(etLenBytes))

	etBytes, err := readBytes(eventTypeLen)
	if err != nil {
		return DecodeOutcome{}, err
	}
	if !utf8.Valid(etBytes) {
		return DecodeOutcome{}, &eventfold.CorruptRecordError{Position: globalPosition, Detail: "invalid UTF-8 in event type"}
	}
	eventType := string(etBytes)

	mlBytes, err := readBytes(4)
	if err != nil {
		return DecodeOutcome{}, err
	}
	metadataLen := int(binary.LittleEndian.Uint32(mlBytes))

	metaBytes, err := readBytes(metadataLen)
	if err != nil {
		return DecodeOutcome{}, err
	}

	plBytes, err := readBytes(4)
	if err != nil {
		return DecodeOutcome{}, err
	}
	payloadLen := int(binary.LittleEndian.Uint32(plBytes))

	payBytes, err := readBytes(payloadLen)
	if err != nil {
		return DecodeOutcome{}, err
	}

	event := eventfold.RecordedEvent{
		EventID:        eventID,
		StreamID:       streamID,
		StreamVersion:  streamVersion,
		GlobalPosition: globalPosition,
		EventType:      eventType,
		Metadata:       append([]byte(nil), metaBytes...),
		Payload:        append([]byte(nil), payBytes...),
	}

	return DecodeOutcome{Complete: true, Event: event, Consumed: total}, nil
}
