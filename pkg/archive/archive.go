// Package archive reads and writes the ZIP64 envelope of a TDF container.
//
// It is not a general ZIP implementation. Entries are always stored
// (uncompressed), always carry a data descriptor and a UTF-8 name, and the
// reader only exposes bounded views over entry data so payloads larger than
// memory are never buffered.
package archive

import (
	"errors"
	"fmt"
	"time"
)

const (
	localFileHeaderSignature     = 0x04034b50
	centralDirectorySignature    = 0x02014b50
	dataDescriptorSignature      = 0x08074b50
	endOfCentralDirSignature     = 0x06054b50
	zip64EndOfCentralDirSig      = 0x06064b50
	zip64EndOfCentralLocatorSig  = 0x07064b50
	zip64ExtraID                 = 0x0001
	localFileHeaderLen           = 30
	centralDirectoryHeaderLen    = 46
	endOfCentralDirLen           = 22
	zip64EndOfCentralDirLen      = 56
	zip64EndOfCentralLocatorLen  = 20
	dataDescriptorLen            = 16
	zip64DataDescriptorLen       = 24
	maxCommentLen                = 0xFFFF
	zip64LocalExtraLen           = 20
	zip64CentralExtraLen         = 28
	zip64EndOfCentralDirBodySize = zip64EndOfCentralDirLen - 12

	versionDefault = 20
	versionZip64   = 45

	flagDataDescriptor = 0x0008
	flagUTF8           = 0x0800

	methodStored = 0

	uint16Max = 0xFFFF
	uint32Max = 0xFFFFFFFF

	// zip64EntryThreshold is the entry count above which the ZIP64 end of
	// central directory records are written.
	zip64EntryThreshold = 0xFF
)

var (
	// ErrInvalidArchive is the sentinel for every malformed archive condition.
	ErrInvalidArchive = errors.New("invalid archive")

	// ErrEntryNotFound is returned for names absent from the central directory.
	ErrEntryNotFound = fmt.Errorf("%w: entry not found", ErrInvalidArchive)

	ErrDuplicateEntry = errors.New("archive: duplicate entry name")
	ErrEntryOpen      = errors.New("archive: previous entry still open")
	ErrWriterClosed   = errors.New("archive: writer finished")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArchive}, args...)...)
}

// Entry describes one named byte range of an archive.
type Entry struct {
	Name string

	// Offset is the position of the entry's local file header.
	Offset int64

	// Size is the entry's uncompressed (and stored) size.
	Size int64

	CRC32    uint32
	Modified time.Time
}

// timeToDOS converts t to MS-DOS date and time fields. Years before 1980
// clamp to 1980-01-01.
func timeToDOS(t time.Time) (dosDate, dosTime uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	dosDate = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	dosTime = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return dosDate, dosTime
}

func dosToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9)+1980,
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f)*2,
		0, time.UTC)
}
