package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cloudreg/e57"
)

// writeScanFile builds a minimal single-scan file holding the given
// points as double-precision xyz records and writes it under dir.
func writeScanFile(t *testing.T, dir, name string, pts [][3]float64) string {
	t.Helper()

	payload := make([]byte, 0, 24*len(pts))
	for _, p := range pts {
		for _, v := range p {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			payload = append(payload, b[:]...)
		}
	}

	// Page the payload: 4-byte CRC then 1020 payload bytes per page, raw
	// partial tail.
	var blob []byte
	for len(payload) >= e57.PagePayloadSize {
		page := make([]byte, e57.PageSize)
		copy(page[4:], payload[:e57.PagePayloadSize])
		binary.LittleEndian.PutUint32(page[:4], crc32.ChecksumIEEE(page[4:]))
		blob = append(blob, page...)
		payload = payload[e57.PagePayloadSize:]
	}
	blob = append(blob, payload...)

	xmlDoc := fmt.Sprintf(`<e57Root>
  <data3D>
    <vectorChild>
      <guid>{%s}</guid>
      <name>%s</name>
      <points type="CompressedVector" recordCount="%d" fileOffset="%d">
        <prototype>
          <cartesianX type="Float" precision="double"/>
          <cartesianY type="Float" precision="double"/>
          <cartesianZ type="Float" precision="double"/>
        </prototype>
        <codecs>
          <CompressedVectorNode>
            <vector><bitPackCodec/></vector>
          </CompressedVectorNode>
        </codecs>
      </points>
    </vectorChild>
  </data3D>
</e57Root>`, name, name, len(pts), e57.HeaderSize)

	blobOff := uint64(e57.HeaderSize)
	xmlOff := blobOff + uint64(len(blob))
	total := xmlOff + uint64(len(xmlDoc))

	buf := make([]byte, total)
	copy(buf[0:8], e57.Signature)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint64(buf[16:24], total)
	binary.LittleEndian.PutUint64(buf[24:32], xmlOff)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(len(xmlDoc)))
	binary.LittleEndian.PutUint64(buf[40:48], e57.PageSize)
	copy(buf[blobOff:], blob)
	copy(buf[xmlOff:], xmlDoc)

	path := filepath.Join(dir, name+".e57")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

// gridPoints lays out an n by n planar grid.
func gridPoints(n int, spacing float64) [][3]float64 {
	var pts [][3]float64
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			pts = append(pts, [3]float64{float64(x) * spacing, float64(y) * spacing, 0})
		}
	}
	return pts
}

// shiftedPoints translates a point set.
func shiftedPoints(pts [][3]float64, dx, dy, dz float64) [][3]float64 {
	out := make([][3]float64, len(pts))
	for i, p := range pts {
		out[i] = [3]float64{p[0] + dx, p[1] + dy, p[2] + dz}
	}
	return out
}
