package e57

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed length of the file prologue.
	HeaderSize = 48

	// Signature opens every conforming file.
	Signature = "ASTM-E57"

	// PageSize is the physical page length of the paged binary layer.
	PageSize = 1024

	pageCRCSize = 4

	// PagePayloadSize is the usable payload per full page.
	PagePayloadSize = PageSize - pageCRCSize
)

// Header is the decoded 48-byte file prologue. All integers are stored
// little-endian on disk.
type Header struct {
	Signature    string
	MajorVersion uint32
	MinorVersion uint32
	FileLength   uint64
	XMLOffset    uint64
	XMLLength    uint64
	PageSize     uint64
}

// ParseHeader decodes and validates the prologue. physicalSize is the
// actual byte length of the underlying file, checked against the recorded
// length and the XML window.
func ParseHeader(data []byte, physicalSize uint64) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, newError(CodeShortFile,
			fmt.Sprintf("file prologue truncated: have %d bytes, need %d", len(data), HeaderSize))
	}

	var h Header
	h.Signature = string(data[0:8])
	h.MajorVersion = binary.LittleEndian.Uint32(data[8:12])
	h.MinorVersion = binary.LittleEndian.Uint32(data[12:16])
	h.FileLength = binary.LittleEndian.Uint64(data[16:24])
	h.XMLOffset = binary.LittleEndian.Uint64(data[24:32])
	h.XMLLength = binary.LittleEndian.Uint64(data[32:40])
	h.PageSize = binary.LittleEndian.Uint64(data[40:48])

	if h.Signature != Signature {
		return h, newError(CodeBadSignature,
			fmt.Sprintf("signature %q, want %q", h.Signature, Signature))
	}
	if h.MajorVersion != 1 {
		return h, newError(CodeUnsupportedVersion,
			fmt.Sprintf("major version %d, only 1 is supported", h.MajorVersion))
	}
	if h.PageSize == 0 {
		return h, newError(CodeInvalidPageSize, "page size must be positive")
	}
	if h.FileLength > physicalSize {
		return h, newError(CodeShortFile,
			fmt.Sprintf("recorded length %d exceeds physical size %d", h.FileLength, physicalSize))
	}
	if h.XMLOffset < HeaderSize || h.XMLOffset+h.XMLLength > physicalSize {
		return h, newError(CodeXMLBoundsOutOfRange,
			fmt.Sprintf("xml window [%d, %d) outside file of %d bytes",
				h.XMLOffset, h.XMLOffset+h.XMLLength, physicalSize))
	}
	return h, nil
}

// ReadHeader reads the prologue from r. size is the total file size.
func ReadHeader(r io.ReaderAt, size int64) (Header, error) {
	if size < HeaderSize {
		return Header{}, newError(CodeShortFile,
			fmt.Sprintf("file is %d bytes, prologue needs %d", size, HeaderSize))
	}
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("reading file prologue: %w", err)
	}
	return ParseHeader(buf, uint64(size))
}
