package archive

import (
	"encoding/binary"
	"io"
)

// Reader gives random access to the entries of an archive.
type Reader struct {
	r       io.ReaderAt
	size    int64
	entries []Entry
	index   map[string]int
}

// Open parses the end of central directory record and the central directory
// of the archive held in r. Entry data is not read until Open is called on
// an entry.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	eocdOffset, eocd, err := findEndOfCentralDir(r, size)
	if err != nil {
		return nil, err
	}

	b := readBuf(eocd[4:])
	diskNumber := b.uint16()
	cdDisk := b.uint16()
	diskEntries := uint64(b.uint16())
	count := uint64(b.uint16())
	cdSize := uint64(b.uint32())
	cdOffset := uint64(b.uint32())

	if diskNumber != 0 || cdDisk != 0 || diskEntries != count {
		return nil, invalidf("multi-disk archives are not supported")
	}

	if count == uint16Max || cdSize == uint32Max || cdOffset == uint32Max {
		count, cdSize, cdOffset, err = readZip64End(r, eocdOffset)
		if err != nil {
			return nil, err
		}
	}

	if cdOffset > uint64(size) || cdSize > uint64(size)-cdOffset {
		return nil, invalidf("central directory at %d (+%d) outside archive of %d bytes", cdOffset, cdSize, size)
	}
	// Every header is at least centralDirectoryHeaderLen bytes
	if count > cdSize/centralDirectoryHeaderLen {
		return nil, invalidf("central directory of %d bytes cannot hold %d entries", cdSize, count)
	}

	cd := make([]byte, cdSize)
	if err := readAt(r, cd, int64(cdOffset)); err != nil {
		return nil, invalidf("failed to read central directory: %v", err)
	}

	zr := &Reader{
		r:       r,
		size:    size,
		entries: make([]Entry, 0, count),
		index:   make(map[string]int, count),
	}

	buf := readBuf(cd)
	for i := uint64(0); i < count; i++ {
		entry, rest, err := parseCentralHeader(buf)
		if err != nil {
			return nil, err
		}
		buf = rest

		if entry.Offset >= int64(cdOffset) {
			return nil, invalidf("entry %q header offset %d inside central directory", entry.Name, entry.Offset)
		}
		if _, dup := zr.index[entry.Name]; dup {
			return nil, invalidf("duplicate entry %q", entry.Name)
		}
		zr.index[entry.Name] = len(zr.entries)
		zr.entries = append(zr.entries, entry)
	}

	return zr, nil
}

// Entries returns the entries in central directory order.
func (z *Reader) Entries() []Entry {
	return append([]Entry(nil), z.entries...)
}

// Lookup returns the entry with the given name.
func (z *Reader) Lookup(name string) (Entry, bool) {
	i, ok := z.index[name]
	if !ok {
		return Entry{}, false
	}
	return z.entries[i], true
}

// Open returns a view bounded to the data of the named entry. The local file
// header is read to locate the data; the data itself is read lazily.
func (z *Reader) Open(name string) (*io.SectionReader, error) {
	entry, ok := z.Lookup(name)
	if !ok {
		return nil, invalidEntry(name)
	}

	var hdr [localFileHeaderLen]byte
	if err := readAt(z.r, hdr[:], entry.Offset); err != nil {
		return nil, invalidf("failed to read local header of %q: %v", name, err)
	}

	b := readBuf(hdr[:])
	if b.uint32() != localFileHeaderSignature {
		return nil, invalidf("bad local header signature for %q", name)
	}
	b.skip(22)
	nameLen := int64(b.uint16())
	extraLen := int64(b.uint16())

	dataOffset := entry.Offset + localFileHeaderLen + nameLen + extraLen
	if dataOffset > z.size || entry.Size > z.size-dataOffset {
		return nil, invalidf("data of %q extends past end of archive", name)
	}

	return io.NewSectionReader(z.r, dataOffset, entry.Size), nil
}

func invalidEntry(name string) error {
	return &entryError{name: name}
}

type entryError struct {
	name string
}

func (e *entryError) Error() string {
	return ErrEntryNotFound.Error() + ": " + e.name
}

func (e *entryError) Unwrap() error {
	return ErrEntryNotFound
}

func findEndOfCentralDir(r io.ReaderAt, size int64) (int64, []byte, error) {
	if size < endOfCentralDirLen {
		return 0, nil, invalidf("%d bytes is too small for an archive", size)
	}

	tailLen := int64(endOfCentralDirLen + maxCommentLen)
	if tailLen > size {
		tailLen = size
	}
	tail := make([]byte, tailLen)
	if err := readAt(r, tail, size-tailLen); err != nil {
		return 0, nil, invalidf("failed to read archive tail: %v", err)
	}

	for i := len(tail) - endOfCentralDirLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != endOfCentralDirSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(tail[i+20:]))
		if i+endOfCentralDirLen+commentLen > len(tail) {
			continue
		}
		return size - tailLen + int64(i), tail[i : i+endOfCentralDirLen], nil
	}

	return 0, nil, invalidf("end of central directory not found")
}

func readZip64End(r io.ReaderAt, eocdOffset int64) (count, cdSize, cdOffset uint64, err error) {
	locOffset := eocdOffset - zip64EndOfCentralLocatorLen
	if locOffset < 0 {
		return 0, 0, 0, invalidf("zip64 locator missing")
	}

	var loc [zip64EndOfCentralLocatorLen]byte
	if err := readAt(r, loc[:], locOffset); err != nil {
		return 0, 0, 0, invalidf("failed to read zip64 locator: %v", err)
	}
	b := readBuf(loc[:])
	if b.uint32() != zip64EndOfCentralLocatorSig {
		return 0, 0, 0, invalidf("bad zip64 locator signature")
	}
	b.skip(4)
	recordOffset := b.uint64()
	if recordOffset > uint64(locOffset) {
		return 0, 0, 0, invalidf("zip64 end record offset %d past locator", recordOffset)
	}

	var rec [zip64EndOfCentralDirLen]byte
	if err := readAt(r, rec[:], int64(recordOffset)); err != nil {
		return 0, 0, 0, invalidf("failed to read zip64 end record: %v", err)
	}
	b = readBuf(rec[:])
	if b.uint32() != zip64EndOfCentralDirSig {
		return 0, 0, 0, invalidf("bad zip64 end record signature")
	}
	b.skip(8 + 2 + 2 + 4 + 4) // record size, versions, disks
	diskEntries := b.uint64()
	count = b.uint64()
	cdSize = b.uint64()
	cdOffset = b.uint64()
	if diskEntries != count {
		return 0, 0, 0, invalidf("multi-disk archives are not supported")
	}

	return count, cdSize, cdOffset, nil
}

func parseCentralHeader(buf readBuf) (Entry, readBuf, error) {
	if len(buf) < centralDirectoryHeaderLen {
		return Entry{}, nil, invalidf("truncated central directory")
	}

	if buf.uint32() != centralDirectorySignature {
		return Entry{}, nil, invalidf("bad central directory signature")
	}
	buf.skip(4) // versions
	buf.skip(2) // flags
	method := buf.uint16()
	dosTime := buf.uint16()
	dosDate := buf.uint16()
	crc := buf.uint32()
	compressed := uint64(buf.uint32())
	uncompressed := uint64(buf.uint32())
	nameLen := int(buf.uint16())
	extraLen := int(buf.uint16())
	commentLen := int(buf.uint16())
	buf.skip(8) // disk start, internal and external attributes
	offset := uint64(buf.uint32())

	if len(buf) < nameLen+extraLen+commentLen {
		return Entry{}, nil, invalidf("truncated central directory entry")
	}
	name := string(buf[:nameLen])
	buf.skip(nameLen)
	extra := readBuf(buf[:extraLen])
	buf.skip(extraLen + commentLen)

	if method != methodStored {
		return Entry{}, nil, invalidf("entry %q uses unsupported compression method %d", name, method)
	}

	needUncompressed := uncompressed == uint32Max
	needCompressed := compressed == uint32Max
	needOffset := offset == uint32Max

	for len(extra) >= 4 {
		id := extra.uint16()
		size := int(extra.uint16())
		if len(extra) < size {
			return Entry{}, nil, invalidf("truncated extra field in %q", name)
		}
		field := readBuf(extra[:size])
		extra.skip(size)

		if id != zip64ExtraID {
			continue
		}
		if needUncompressed {
			if len(field) < 8 {
				return Entry{}, nil, invalidf("short zip64 extra in %q", name)
			}
			uncompressed = field.uint64()
			needUncompressed = false
		}
		if needCompressed {
			if len(field) < 8 {
				return Entry{}, nil, invalidf("short zip64 extra in %q", name)
			}
			compressed = field.uint64()
			needCompressed = false
		}
		if needOffset {
			if len(field) < 8 {
				return Entry{}, nil, invalidf("short zip64 extra in %q", name)
			}
			offset = field.uint64()
			needOffset = false
		}
	}

	if needUncompressed || needCompressed || needOffset {
		return Entry{}, nil, invalidf("missing zip64 extra in %q", name)
	}
	if compressed != uncompressed {
		return Entry{}, nil, invalidf("stored entry %q has mismatched sizes", name)
	}
	if uncompressed > 1<<62 || offset > 1<<62 {
		return Entry{}, nil, invalidf("entry %q size or offset out of range", name)
	}

	return Entry{
		Name:     name,
		Offset:   int64(offset),
		Size:     int64(uncompressed),
		CRC32:    crc,
		Modified: dosToTime(dosDate, dosTime),
	}, buf, nil
}

// readAt fills p from off. A ReaderAt may report io.EOF alongside a full read.
func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

type readBuf []byte

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) skip(n int) {
	*b = (*b)[n:]
}
