package archive

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"time"
)

// Writer appends stored entries to an archive. A Writer owns its position
// counter and must not be shared between goroutines.
type Writer struct {
	w        io.Writer
	pos      int64
	now      func() time.Time
	headers  []*header
	names    map[string]bool
	open     *entryWriter
	finished bool
}

type header struct {
	name    string
	offset  int64
	size    int64
	crc     uint32
	dosDate uint16
	dosTime uint16
	zip64   bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter returns a Writer that writes an archive to w.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	aw := &Writer{
		w:     w,
		now:   time.Now,
		names: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(aw)
	}
	return aw
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	return w.pos
}

// Write adds one complete entry. ZIP64 fields are used only if the data does
// not fit the 32-bit size fields.
func (w *Writer) Write(name string, data []byte) error {
	ew, err := w.begin(name, int64(len(data)) >= uint32Max)
	if err != nil {
		return err
	}
	if _, err := ew.Write(data); err != nil {
		return err
	}
	return ew.Close()
}

// Stream adds an entry whose size is not known up front. The returned writer
// must be closed before another entry is added. Streamed entries always carry
// ZIP64 extra fields and a ZIP64 data descriptor.
func (w *Writer) Stream(name string) (io.WriteCloser, error) {
	return w.begin(name, true)
}

func (w *Writer) begin(name string, zip64 bool) (*entryWriter, error) {
	if w.finished {
		return nil, ErrWriterClosed
	}
	if w.open != nil {
		return nil, ErrEntryOpen
	}
	if w.names[name] {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateEntry, name)
	}
	if len(name) > uint16Max {
		return nil, fmt.Errorf("archive: entry name too long: %d bytes", len(name))
	}

	dosDate, dosTime := timeToDOS(w.now())
	h := &header{
		name:    name,
		offset:  w.pos,
		dosDate: dosDate,
		dosTime: dosTime,
		zip64:   zip64,
	}

	if err := w.writeLocalHeader(h); err != nil {
		return nil, err
	}

	w.names[name] = true
	w.open = &entryWriter{w: w, h: h, crc: crc32.NewIEEE()}
	return w.open, nil
}

func (w *Writer) writeLocalHeader(h *header) error {
	extraLen := 0
	version := versionDefault
	if h.zip64 {
		extraLen = zip64LocalExtraLen
		version = versionZip64
	}

	buf := make([]byte, localFileHeaderLen+len(h.name)+extraLen)
	b := writeBuf(buf)
	b.uint32(localFileHeaderSignature)
	b.uint16(uint16(version))
	b.uint16(flagDataDescriptor | flagUTF8)
	b.uint16(methodStored)
	b.uint16(h.dosTime)
	b.uint16(h.dosDate)
	b.uint32(0) // crc, in the data descriptor
	if h.zip64 {
		b.uint32(uint32Max)
		b.uint32(uint32Max)
	} else {
		b.uint32(0)
		b.uint32(0)
	}
	b.uint16(uint16(len(h.name)))
	b.uint16(uint16(extraLen))
	b = b.bytes(h.name)
	if h.zip64 {
		b.uint16(zip64ExtraID)
		b.uint16(16)
		b.uint64(0)
		b.uint64(0)
	}

	return w.write(buf)
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.pos += int64(n)
	if err != nil {
		return fmt.Errorf("archive: write failed: %w", err)
	}
	return nil
}

// Finish writes the central directory and end records and returns the total
// archive size. The underlying writer is not closed.
func (w *Writer) Finish() (int64, error) {
	if w.finished {
		return 0, ErrWriterClosed
	}
	if w.open != nil {
		return 0, ErrEntryOpen
	}
	w.finished = true

	cdOffset := w.pos
	for _, h := range w.headers {
		if err := w.writeCentralHeader(h); err != nil {
			return 0, err
		}
	}
	cdSize := w.pos - cdOffset

	count := int64(len(w.headers))
	needZip64 := count > zip64EntryThreshold || cdOffset >= uint32Max || cdSize >= uint32Max
	for _, h := range w.headers {
		if h.size >= uint32Max || h.offset >= uint32Max {
			needZip64 = true
		}
	}

	if needZip64 {
		if err := w.writeZip64End(count, cdSize, cdOffset); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, endOfCentralDirLen)
	b := writeBuf(buf)
	b.uint32(endOfCentralDirSignature)
	b.uint16(0) // disk number
	b.uint16(0) // disk with central directory
	if needZip64 {
		b.uint16(uint16Max)
		b.uint16(uint16Max)
		b.uint32(uint32Max)
		b.uint32(uint32Max)
	} else {
		b.uint16(uint16(count))
		b.uint16(uint16(count))
		b.uint32(uint32(cdSize))
		b.uint32(uint32(cdOffset))
	}
	b.uint16(0) // comment length

	if err := w.write(buf); err != nil {
		return 0, err
	}
	return w.pos, nil
}

func (w *Writer) writeCentralHeader(h *header) error {
	zip64 := h.zip64 || h.size >= uint32Max || h.offset >= uint32Max
	extraLen := 0
	version := versionDefault
	if zip64 {
		extraLen = zip64CentralExtraLen
		version = versionZip64
	}

	buf := make([]byte, centralDirectoryHeaderLen+len(h.name)+extraLen)
	b := writeBuf(buf)
	b.uint32(centralDirectorySignature)
	b.uint16(uint16(version)) // version made by
	b.uint16(uint16(version)) // version needed
	b.uint16(flagDataDescriptor | flagUTF8)
	b.uint16(methodStored)
	b.uint16(h.dosTime)
	b.uint16(h.dosDate)
	b.uint32(h.crc)
	if zip64 {
		b.uint32(uint32Max)
		b.uint32(uint32Max)
	} else {
		b.uint32(uint32(h.size))
		b.uint32(uint32(h.size))
	}
	b.uint16(uint16(len(h.name)))
	b.uint16(uint16(extraLen))
	b.uint16(0) // comment length
	b.uint16(0) // disk number start
	b.uint16(0) // internal attributes
	b.uint32(0) // external attributes
	if zip64 {
		b.uint32(uint32Max)
	} else {
		b.uint32(uint32(h.offset))
	}
	b = b.bytes(h.name)
	if zip64 {
		b.uint16(zip64ExtraID)
		b.uint16(24)
		b.uint64(uint64(h.size)) // uncompressed
		b.uint64(uint64(h.size)) // compressed
		b.uint64(uint64(h.offset))
	}

	return w.write(buf)
}

func (w *Writer) writeZip64End(count, cdSize, cdOffset int64) error {
	recordOffset := w.pos

	buf := make([]byte, zip64EndOfCentralDirLen+zip64EndOfCentralLocatorLen)
	b := writeBuf(buf)
	b.uint32(zip64EndOfCentralDirSig)
	b.uint64(zip64EndOfCentralDirBodySize)
	b.uint16(versionZip64) // version made by
	b.uint16(versionZip64) // version needed
	b.uint32(0)            // disk number
	b.uint32(0)            // disk with central directory
	b.uint64(uint64(count))
	b.uint64(uint64(count))
	b.uint64(uint64(cdSize))
	b.uint64(uint64(cdOffset))

	b.uint32(zip64EndOfCentralLocatorSig)
	b.uint32(0) // disk with zip64 end record
	b.uint64(uint64(recordOffset))
	b.uint32(1) // total disks

	return w.write(buf)
}

type entryWriter struct {
	w      *Writer
	h      *header
	crc    hash.Hash32
	closed bool
}

func (e *entryWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrWriterClosed
	}
	e.crc.Write(p)
	n, err := e.w.w.Write(p)
	e.w.pos += int64(n)
	e.h.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("archive: write failed: %w", err)
	}
	return n, nil
}

// Close writes the data descriptor and records the entry for the central
// directory.
func (e *entryWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.h.crc = e.crc.Sum32()

	if !e.h.zip64 && e.h.size >= uint32Max {
		return fmt.Errorf("archive: entry %q grew past the 32-bit size limit", e.h.name)
	}

	var buf []byte
	if e.h.zip64 {
		buf = make([]byte, zip64DataDescriptorLen)
		b := writeBuf(buf)
		b.uint32(dataDescriptorSignature)
		b.uint32(e.h.crc)
		b.uint64(uint64(e.h.size))
		b.uint64(uint64(e.h.size))
	} else {
		buf = make([]byte, dataDescriptorLen)
		b := writeBuf(buf)
		b.uint32(dataDescriptorSignature)
		b.uint32(e.h.crc)
		b.uint32(uint32(e.h.size))
		b.uint32(uint32(e.h.size))
	}

	if err := e.w.write(buf); err != nil {
		return err
	}

	e.w.headers = append(e.w.headers, e.h)
	e.w.open = nil
	return nil
}

type writeBuf []byte

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

func (b writeBuf) bytes(s string) writeBuf {
	n := copy(b, s)
	return b[n:]
}
