// Package store owns the single on-disk log file: header verification,
// forward recovery, and durable raw-frame append, following an
// append-then-fsync idiom. It is deliberately single-segment, with no
// rotation or compaction; the only truncation is Recover cutting off an
// incomplete trailing frame (see DESIGN.md).
package store

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/codec"
)

// Store wraps a single append-only log file. All mutation is expected to
// be serialized by a single caller (the Writer); Store itself does not
// lock — it trusts the caller not to issue a concurrent raw append.
type Store struct {
	file   *os.File
	writer *bufio.Writer
	tail   int64 // current end-of-file offset; AppendRaw reports frame offsets from it
}

// Open creates or opens the log file at path. If the file is empty, the
// 8-byte header is written and flushed; otherwise the existing header is
// read and verified.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	s := &Store{file: f}

	if info.Size() == 0 {
		header := codec.EncodeHeader()
		if _, err := f.Write(header[:]); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sync header: %w", err)
		}
		s.tail = codec.HeaderSize
	} else {
		var header [codec.HeaderSize]byte
		if _, err := f.ReadAt(header[:], 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("read header: %w", err)
		}
		if _, err := codec.DecodeHeader(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		s.tail = info.Size()
	}

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek to end: %w", err)
	}
	s.writer = bufio.NewWriterSize(f, 256<<10)
	return s, nil
}

// RecoveredFrame describes one record yielded during Recover: the decoded
// event plus the absolute byte range of its on-disk frame, so the caller
// (the engine) can build the global_position -> byte-range index needed to
// answer reads without keeping every event body in memory.
type RecoveredFrame struct {
	Event       eventfold.RecordedEvent
	FrameOffset int64
	FrameLength int
}

// Recover replays every complete record from offset 8 to the current end
// of file, invoking fn for each in log order. A trailing incomplete frame
// (the expected result of an unclean shutdown) is truncated away and
// recovery stops cleanly; any corruption in the interior is fatal and
// aborts recovery with a *eventfold.CorruptRecordError.
func (s *Store) Recover(fn func(RecoveredFrame) error) error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	size := info.Size()

	offset := int64(codec.HeaderSize)
	// Read the whole tail region at once; EventfoldDB logs are expected to
	// fit comfortably in memory for a single forward recovery pass over one
	// unsegmented file.
	buf := make([]byte, size-offset)
	if len(buf) > 0 {
		if _, err := s.file.ReadAt(buf, offset); err != nil {
			return fmt.Errorf("read log body: %w", err)
		}
	}

	pos := 0
	for pos < len(buf) {
		outcome, err := codec.DecodeRecord(buf[pos:])
		if err != nil {
			var corrupt *eventfold.CorruptRecordError
			if ce, ok := err.(*eventfold.CorruptRecordError); ok {
				corrupt = ce
				corrupt.Position = uint64(offset + int64(pos))
			}
			if corrupt != nil {
				return corrupt
			}
			return err
		}
		if !outcome.Complete {
			// Truncate the trailing partial frame: it is the expected
			// shape of an unclean shutdown, not an error.
			truncateAt := offset + int64(pos)
			if err := s.file.Truncate(truncateAt); err != nil {
				return fmt.Errorf("truncate incomplete tail: %w", err)
			}
			s.tail = truncateAt
			if _, err := s.file.Seek(0, os.SEEK_END); err != nil {
				return fmt.Errorf("seek after truncate: %w", err)
			}
			slog.Debug("truncated incomplete trailing frame", "offset", truncateAt)
			return nil
		}
		frame := RecoveredFrame{
			Event:       outcome.Event,
			FrameOffset: offset + int64(pos),
			FrameLength: outcome.Consumed,
		}
		if err := fn(frame); err != nil {
			return err
		}
		pos += outcome.Consumed
	}
	s.tail = offset + int64(pos)
	return nil
}

// AppendRaw writes one or more pre-encoded frames to the log and performs
// a single durable flush afterward, returning the absolute byte offset at
// which each frame landed. Callers (the Writer) are responsible for
// serializing calls to AppendRaw; this method does not lock.
func (s *Store) AppendRaw(frames [][]byte) ([]int64, error) {
	offsets := make([]int64, len(frames))
	for i, frame := range frames {
		offsets[i] = s.tail
		if _, err := s.writer.Write(frame); err != nil {
			return nil, fmt.Errorf("write frame: %w", err)
		}
		s.tail += int64(len(frame))
	}
	if err := s.writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush frames: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return nil, fmt.Errorf("sync frames: %w", err)
	}
	return offsets, nil
}

// Tail returns the current end-of-file offset.
func (s *Store) Tail() int64 { return s.tail }

// ReadAt reads length bytes from the log at the given absolute file
// offset. Used by readers resolving StreamIndex positions back to
// records.
func (s *Store) ReadAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read at %d: %w", offset, err)
	}
	return buf, nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("flush on close: %w", err)
	}
	return s.file.Close()
}
