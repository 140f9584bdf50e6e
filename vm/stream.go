package vm

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// SeekOrigin selects the reference point of a Seek.
type SeekOrigin uint8

const (
	// SeekStart measures from the beginning of the stream.
	SeekStart SeekOrigin = iota
	// SeekCurrent measures from the current cursor.
	SeekCurrent
	// SeekEnd measures from the content size.
	SeekEnd
)

// Stream option bits.
const (
	// StreamModeRead allows reads.
	StreamModeRead uint32 = 1 << 0
	// StreamModeWrite allows writes.
	StreamModeWrite uint32 = 1 << 1
	// StreamModeAppend positions every write at the content end.
	StreamModeAppend uint32 = 1 << 2
)

// Stream is a readable, writable, seekable interface over a VMO.
type Stream struct {
	object.Base
	options uint32
	vmo     VMO

	mu   sync.Mutex
	seek uint64
}

// StreamInfo describes a stream's state.
type StreamInfo struct {
	Options     uint32
	Seek        uint64
	ContentSize uint64
}

// NewStream creates a stream over vmo starting at seek.
func NewStream(vmo VMO, seek uint64, options uint32) *Stream {
	return &Stream{
		Base:    object.NewBase("stream"),
		options: options,
		vmo:     vmo,
		seek:    seek,
	}
}

// VMO returns the underlying object.
func (s *Stream) VMO() VMO { return s.vmo }

// Read reads from the current cursor, advancing it.
func (s *Stream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.readAtLocked(buf, s.seek)
	if err != nil {
		return 0, err
	}
	s.seek += uint64(n)
	return n, nil
}

// ReadAt reads from offset without moving the cursor.
func (s *Stream) ReadAt(buf []byte, offset uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAtLocked(buf, offset)
}

func (s *Stream) readAtLocked(buf []byte, offset uint64) (int, error) {
	if s.options&StreamModeRead == 0 {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "stream_read", "stream not readable")
	}
	content := s.vmo.ContentSize()
	if offset >= content {
		return 0, nil
	}
	n := min(uint64(len(buf)), content-offset)
	if err := s.vmo.Read(offset, buf[:n]); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Write writes at the current cursor (or the content end in append
// mode), advancing the cursor past the written bytes.
func (s *Stream) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.options&StreamModeAppend != 0 {
		s.seek = s.vmo.ContentSize()
	}
	n, err := s.writeAtLocked(data, s.seek)
	if err != nil {
		return 0, err
	}
	s.seek += uint64(n)
	return n, nil
}

// WriteAt writes at offset without moving the cursor.
func (s *Stream) WriteAt(data []byte, offset uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtLocked(data, offset)
}

// writeAtLocked grows the content up to the VMO's capacity when the
// write extends past it; the part beyond capacity is cut short.
func (s *Stream) writeAtLocked(data []byte, offset uint64) (int, error) {
	if s.options&StreamModeWrite == 0 {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "stream_write", "stream not writable")
	}
	content := s.vmo.ContentSize()
	target := offset + uint64(len(data))
	if target < offset {
		return 0, kerrors.New(kerrors.StatusFileBig, "stream_write", "offset overflow")
	}
	if target > content {
		capacity := s.vmo.Len()
		grown := min(target, capacity)
		if err := s.vmo.SetContentSize(grown); err != nil {
			return 0, err
		}
		content = grown
	}
	if offset >= content {
		return 0, kerrors.New(kerrors.StatusNoSpace, "stream_write", "offset beyond capacity")
	}
	n := min(uint64(len(data)), content-offset)
	if err := s.vmo.Write(offset, data[:n]); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Seek moves the cursor and returns its new value.
func (s *Stream) Seek(whence SeekOrigin, offset int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var origin uint64
	switch whence {
	case SeekStart:
		origin = 0
	case SeekCurrent:
		origin = s.seek
	case SeekEnd:
		origin = s.vmo.ContentSize()
	default:
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "stream_seek", "bad origin")
	}
	target := int64(origin) + offset
	if target < 0 {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "stream_seek", "seek before start")
	}
	s.seek = uint64(target)
	return s.seek, nil
}

// Info returns the stream state.
func (s *Stream) Info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamInfo{Options: s.options, Seek: s.seek, ContentSize: s.vmo.ContentSize()}
}
