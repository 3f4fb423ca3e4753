package e57

import (
	"fmt"
	"log"
	"os"
)

// File is an opened container: validated prologue, parsed XML index and a
// page reader positioned over the binary sections.
type File struct {
	f      *os.File
	header Header
	index  *Index
	pages  *PageReader
}

// Open reads and validates the prologue and XML index of path. The binary
// sections are not touched until a scan is read.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	hdr, err := ReadHeader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	xmlBuf := make([]byte, hdr.XMLLength)
	if _, err := f.ReadAt(xmlBuf, int64(hdr.XMLOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading xml section: %w", err)
	}
	idx, err := ParseXMLIndex(xmlBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	log.Printf("[E57] opened %s: version %d.%d, %d scan(s)",
		path, hdr.MajorVersion, hdr.MinorVersion, len(idx.Scans))
	return &File{f: f, header: hdr, index: idx, pages: NewPageReader(f)}, nil
}

func (f *File) Close() error { return f.f.Close() }

// Header returns the decoded prologue.
func (f *File) Header() Header { return f.header }

// Scans returns the scan descriptors in document order. An empty slice is
// a valid file with no scans.
func (f *File) Scans() []ScanDescriptor { return f.index.Scans }

// Metrics returns the page reader's accumulated counters.
func (f *File) Metrics() PageMetrics { return f.pages.Metrics() }

// ReadScan decodes scan i in full. The returned Decoder hooks (progress,
// cancellation) can be set through the options.
func (f *File) ReadScan(i int, opts ...ScanOption) (*DecodeResult, error) {
	if i < 0 || i >= len(f.index.Scans) {
		return nil, fmt.Errorf("scan index %d out of range [0, %d)", i, len(f.index.Scans))
	}
	scan := f.index.Scans[i]

	payload, err := f.pages.ReadBinarySection(scan.BlobOffset, scan.BlobLength)
	if err != nil {
		return nil, fmt.Errorf("scan %d binary section: %w", i, err)
	}

	dec := NewDecoder(scan, payload)
	for _, o := range opts {
		o(dec)
	}
	res, err := dec.Decode()
	if err != nil {
		return res, err
	}
	if res.Skipped > 0 {
		log.Printf("[E57] scan %d: dropped %d record(s) with non-finite coordinates", i, res.Skipped)
	}
	return res, nil
}

// ValidateScan runs a diagnostic CRC sweep over scan i's binary section.
func (f *File) ValidateScan(i int) ([]PageResult, error) {
	if i < 0 || i >= len(f.index.Scans) {
		return nil, fmt.Errorf("scan index %d out of range [0, %d)", i, len(f.index.Scans))
	}
	scan := f.index.Scans[i]
	return f.pages.ValidatePages(scan.BlobOffset, scan.BlobLength)
}

// ScanOption configures a scan decode.
type ScanOption func(*Decoder)

// WithProgress installs a progress callback on the decode.
func WithProgress(fn ProgressFunc) ScanOption {
	return func(d *Decoder) { d.progress = fn }
}

// WithCancel installs a cooperative cancellation probe on the decode.
func WithCancel(fn func() bool) ScanOption {
	return func(d *Decoder) { d.cancelled = fn }
}
