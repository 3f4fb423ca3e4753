package e57

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writePages lays payload out as CRC-protected physical pages. A trailing
// remainder shorter than a full payload becomes a raw partial window.
func writePages(payload []byte) []byte {
	var out []byte
	for len(payload) >= PagePayloadSize {
		page := make([]byte, PageSize)
		copy(page[pageCRCSize:], payload[:PagePayloadSize])
		binary.LittleEndian.PutUint32(page[:pageCRCSize], crc32.ChecksumIEEE(page[pageCRCSize:]))
		out = append(out, page...)
		payload = payload[PagePayloadSize:]
	}
	return append(out, payload...)
}

// buildContainer assembles a complete file image: prologue, binary blob at
// offset 48, XML section after the blob.
func buildContainer(xmlDoc string, blob []byte) []byte {
	blobOff := uint64(HeaderSize)
	xmlOff := blobOff + uint64(len(blob))
	total := xmlOff + uint64(len(xmlDoc))

	buf := make([]byte, total)
	copy(buf[0:8], Signature)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], total)
	binary.LittleEndian.PutUint64(buf[24:32], xmlOff)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(len(xmlDoc)))
	binary.LittleEndian.PutUint64(buf[40:48], PageSize)
	copy(buf[blobOff:], blob)
	copy(buf[xmlOff:], xmlDoc)
	return buf
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.e57")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// cartesianXML is a one-scan document with a double-precision xyz
// prototype. recordCount and fileOffset live on <points>.
func cartesianXML(recordCount int, fileOffset uint64) string {
	return fmt.Sprintf(`<e57Root>
  <data3D>
    <vectorChild>
      <guid>{8B43E2C1-0001}</guid>
      <name>test scan</name>
      <points type="CompressedVector" recordCount="%d" fileOffset="%d">
        <prototype>
          <cartesianX type="Float" precision="double"/>
          <cartesianY type="Float" precision="double"/>
          <cartesianZ type="Float" precision="double"/>
        </prototype>
        <codecs>
          <CompressedVectorNode>
            <vector>
              <bitPackCodec/>
            </vector>
          </CompressedVectorNode>
        </codecs>
      </points>
    </vectorChild>
  </data3D>
</e57Root>`, recordCount, fileOffset)
}

func packDoubles(vals ...float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// bitWriter packs values least-significant-bit-first, mirroring the
// decoder's cursor.
type bitWriter struct {
	buf []byte
	bit uint
}

func (w *bitWriter) write(v uint64, n uint) {
	for i := uint(0); i < n; i++ {
		if w.bit == 0 {
			w.buf = append(w.buf, 0)
		}
		if v&(1<<i) != 0 {
			w.buf[len(w.buf)-1] |= 1 << w.bit
		}
		w.bit = (w.bit + 1) % 8
	}
}
