package e57

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// PageResult describes one validated physical page. Final marks the last
// window of a section; a partial final window is delivered unvalidated
// with Valid left false and StoredCRC/ComputedCRC zero.
type PageResult struct {
	PageIndex   int64
	StoredCRC   uint32
	ComputedCRC uint32
	Valid       bool
	Final       bool
	Partial     bool
}

// PageMetrics accumulates across calls on one PageReader.
type PageMetrics struct {
	PagesSeen      int64
	PagesValid     int64
	PagesCorrupted int64
	BytesRead      int64
	Elapsed        time.Duration
}

// ThroughputMBps reports validated read speed in megabytes per second.
func (m PageMetrics) ThroughputMBps() float64 {
	if m.Elapsed <= 0 {
		return 0
	}
	return float64(m.BytesRead) / (1024 * 1024) / m.Elapsed.Seconds()
}

// PageReader reads CRC-protected binary sections. Each 1024-byte page is a
// 4-byte little-endian CRC-32 followed by 1020 payload bytes. The checksum
// covers the payload only.
type PageReader struct {
	r       io.ReaderAt
	metrics PageMetrics
}

func NewPageReader(r io.ReaderAt) *PageReader {
	return &PageReader{r: r}
}

// Metrics returns the accumulated counters.
func (pr *PageReader) Metrics() PageMetrics { return pr.metrics }

// ReadBinarySection reads length bytes starting at offset, validates every
// full page and returns the concatenated payloads. It fails fast on the
// first checksum mismatch. A trailing partial window is appended whole,
// without validation.
func (pr *PageReader) ReadBinarySection(offset, length uint64) ([]byte, error) {
	start := time.Now()
	defer func() { pr.metrics.Elapsed += time.Since(start) }()

	out := make([]byte, 0, length)
	page := make([]byte, PageSize)
	remaining := length
	pos := offset
	idx := int64(0)

	for remaining > 0 {
		want := uint64(PageSize)
		if remaining < want {
			want = remaining
		}
		n, err := pr.r.ReadAt(page[:want], int64(pos))
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading binary section page %d: %w", idx, err)
		}
		if uint64(n) < want {
			return nil, newError(CodeUnexpectedEOF,
				fmt.Sprintf("binary section truncated at page %d: got %d of %d bytes", idx, n, want))
		}
		pr.metrics.PagesSeen++
		pr.metrics.BytesRead += int64(want)

		if want < PageSize {
			// Partial final window: no CRC prefix, raw payload.
			out = append(out, page[:want]...)
			break
		}

		stored := binary.LittleEndian.Uint32(page[:pageCRCSize])
		computed := crc32.ChecksumIEEE(page[pageCRCSize:])
		if stored != computed {
			pr.metrics.PagesCorrupted++
			return nil, &CRCError{PageIndex: idx, Stored: stored, Computed: computed}
		}
		pr.metrics.PagesValid++
		out = append(out, page[pageCRCSize:]...)

		pos += PageSize
		remaining -= PageSize
		idx++
	}
	return out, nil
}

// ValidatePages walks the same window as ReadBinarySection but records a
// result per page instead of stopping at the first mismatch. Use it for
// diagnostics; payload bytes are discarded.
func (pr *PageReader) ValidatePages(offset, length uint64) ([]PageResult, error) {
	start := time.Now()
	defer func() { pr.metrics.Elapsed += time.Since(start) }()

	var results []PageResult
	page := make([]byte, PageSize)
	remaining := length
	pos := offset
	idx := int64(0)

	for remaining > 0 {
		want := uint64(PageSize)
		if remaining < want {
			want = remaining
		}
		n, err := pr.r.ReadAt(page[:want], int64(pos))
		if err != nil && err != io.EOF {
			return results, fmt.Errorf("validating page %d: %w", idx, err)
		}
		if uint64(n) < want {
			return results, newError(CodeUnexpectedEOF,
				fmt.Sprintf("binary section truncated at page %d: got %d of %d bytes", idx, n, want))
		}
		pr.metrics.PagesSeen++
		pr.metrics.BytesRead += int64(want)

		res := PageResult{PageIndex: idx, Final: remaining <= PageSize}
		if want < PageSize {
			res.Partial = true
		} else {
			res.StoredCRC = binary.LittleEndian.Uint32(page[:pageCRCSize])
			res.ComputedCRC = crc32.ChecksumIEEE(page[pageCRCSize:])
			res.Valid = res.StoredCRC == res.ComputedCRC
			if res.Valid {
				pr.metrics.PagesValid++
			} else {
				pr.metrics.PagesCorrupted++
			}
		}
		results = append(results, res)

		pos += PageSize
		remaining -= want
		idx++
	}
	return results, nil
}
