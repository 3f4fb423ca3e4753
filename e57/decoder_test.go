package e57

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doubleScan(count uint64) ScanDescriptor {
	return ScanDescriptor{
		PointCount: count,
		Fields: []FieldDescriptor{
			{Name: FieldCartesianX, Kind: KindFloat64, BitWidth: 64},
			{Name: FieldCartesianY, Kind: KindFloat64, BitWidth: 64},
			{Name: FieldCartesianZ, Kind: KindFloat64, BitWidth: 64},
		},
		Codec: "bitPackCodec",
	}
}

func TestDecodeDoubles(t *testing.T) {
	payload := packDoubles(1, 2, 3, 4, 5, 6, 7, 8, 9)
	dec := NewDecoder(doubleScan(3), payload)
	res, err := dec.Decode()
	require.NoError(t, err)
	require.Len(t, res.Points, 3)
	assert.Equal(t, Point{X: 1, Y: 2, Z: 3}, res.Points[0])
	assert.Equal(t, Point{X: 4, Y: 5, Z: 6}, res.Points[1])
	assert.Equal(t, Point{X: 7, Y: 8, Z: 9}, res.Points[2])
	assert.Equal(t, uint64(0), res.Skipped)
	assert.False(t, res.HasColor)
	assert.False(t, res.HasIntensity)
}

func TestDecodeSinglePrecision(t *testing.T) {
	scan := ScanDescriptor{
		PointCount: 1,
		Fields: []FieldDescriptor{
			{Name: FieldCartesianX, Kind: KindFloat32, BitWidth: 32},
			{Name: FieldCartesianY, Kind: KindFloat32, BitWidth: 32},
			{Name: FieldCartesianZ, Kind: KindFloat32, BitWidth: 32},
		},
	}
	var w bitWriter
	w.write(uint64(math.Float32bits(1.5)), 32)
	w.write(uint64(math.Float32bits(-2.25)), 32)
	w.write(uint64(math.Float32bits(0.125)), 32)

	res, err := NewDecoder(scan, w.buf).Decode()
	require.NoError(t, err)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 1.5, res.Points[0].X)
	assert.Equal(t, -2.25, res.Points[0].Y)
	assert.Equal(t, 0.125, res.Points[0].Z)
}

func TestDecodeScaledIntegerAndColor(t *testing.T) {
	scan := ScanDescriptor{
		PointCount: 2,
		Fields: []FieldDescriptor{
			{Name: FieldCartesianX, Kind: KindScaledInteger, BitWidth: 11,
				Minimum: -1000, Maximum: 1000, Scale: 0.01, Offset: 0},
			{Name: FieldCartesianY, Kind: KindFloat64, BitWidth: 64},
			{Name: FieldCartesianZ, Kind: KindFloat64, BitWidth: 64},
			{Name: FieldColorR, Kind: KindInteger, BitWidth: 8, Minimum: 0, Maximum: 255},
			{Name: FieldColorG, Kind: KindInteger, BitWidth: 8, Minimum: 0, Maximum: 255},
			{Name: FieldColorB, Kind: KindInteger, BitWidth: 8, Minimum: 0, Maximum: 255},
		},
	}

	var w bitWriter
	// Record 0: raw 250 scales to 2.5, color red.
	w.write(250, 11)
	w.write(math.Float64bits(1), 64)
	w.write(math.Float64bits(2), 64)
	w.write(255, 8)
	w.write(0, 8)
	w.write(0, 8)
	// Record 1: raw -300 in 11-bit two's complement scales to -3.0.
	rawNeg := int64(-300)
	w.write(uint64(rawNeg)&0x7FF, 11)
	w.write(math.Float64bits(3), 64)
	w.write(math.Float64bits(4), 64)
	w.write(10, 8)
	w.write(20, 8)
	w.write(30, 8)

	res, err := NewDecoder(scan, w.buf).Decode()
	require.NoError(t, err)
	require.Len(t, res.Points, 2)
	assert.True(t, res.HasColor)

	assert.InDelta(t, 2.5, res.Points[0].X, 1e-12)
	assert.Equal(t, uint8(255), res.Points[0].R)
	assert.InDelta(t, -3.0, res.Points[1].X, 1e-12)
	assert.Equal(t, uint8(10), res.Points[1].R)
	assert.Equal(t, uint8(30), res.Points[1].B)
}

func TestDecodeFieldsCrossByteBoundaries(t *testing.T) {
	scan := ScanDescriptor{
		PointCount: 3,
		Fields: []FieldDescriptor{
			{Name: FieldCartesianX, Kind: KindInteger, BitWidth: 5, Minimum: 0, Maximum: 31},
			{Name: FieldCartesianY, Kind: KindInteger, BitWidth: 7, Minimum: 0, Maximum: 127},
			{Name: FieldCartesianZ, Kind: KindInteger, BitWidth: 3, Minimum: 0, Maximum: 7},
		},
	}
	want := [][3]uint64{{17, 100, 5}, {31, 0, 7}, {1, 127, 2}}
	var w bitWriter
	for _, rec := range want {
		w.write(rec[0], 5)
		w.write(rec[1], 7)
		w.write(rec[2], 3)
	}

	res, err := NewDecoder(scan, w.buf).Decode()
	require.NoError(t, err)
	require.Len(t, res.Points, 3)
	for i, rec := range want {
		assert.Equal(t, float64(rec[0]), res.Points[i].X, "record %d", i)
		assert.Equal(t, float64(rec[1]), res.Points[i].Y, "record %d", i)
		assert.Equal(t, float64(rec[2]), res.Points[i].Z, "record %d", i)
	}
}

func TestDecodeSkipsNonFiniteCoordinates(t *testing.T) {
	payload := packDoubles(
		1, 2, 3,
		math.NaN(), 5, 6,
		7, math.Inf(1), 9,
		10, 11, 12,
	)
	res, err := NewDecoder(doubleScan(4), payload).Decode()
	require.NoError(t, err)
	require.Len(t, res.Points, 2)
	assert.Equal(t, uint64(2), res.Skipped)
	assert.Equal(t, Point{X: 1, Y: 2, Z: 3}, res.Points[0])
	assert.Equal(t, Point{X: 10, Y: 11, Z: 12}, res.Points[1])
}

func TestDecodeTruncatedStream(t *testing.T) {
	payload := packDoubles(1, 2) // two of three values for one record
	_, err := NewDecoder(doubleScan(1), payload).Decode()
	require.Error(t, err)
	assert.Equal(t, CodeUnexpectedEOF, Code(err))
}

func TestDecodeProgressAndCancellation(t *testing.T) {
	const n = 2500
	vals := make([]float64, 0, 3*n)
	for i := 0; i < n; i++ {
		vals = append(vals, float64(i), float64(i), float64(i))
	}
	payload := packDoubles(vals...)

	var calls []uint64
	dec := NewDecoder(doubleScan(n), payload)
	dec.OnProgress(func(done, total uint64) {
		assert.Equal(t, uint64(n), total)
		calls = append(calls, done)
	})
	res, err := dec.Decode()
	require.NoError(t, err)
	assert.Len(t, res.Points, n)
	assert.Equal(t, []uint64{1000, 2000, 2500}, calls)

	// Cancel after 500 records.
	decoded := 0
	dec = NewDecoder(doubleScan(n), payload)
	dec.OnCancel(func() bool {
		decoded++
		return decoded > 500
	})
	res, err = dec.Decode()
	require.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, res.Points, 500)
}

func TestOpenAndReadScanEndToEnd(t *testing.T) {
	blob := writePages(packDoubles(1, 2, 3, 4, 5, 6, 7, 8, 9))
	img := buildContainer(cartesianXML(3, HeaderSize), blob)
	path := writeTempFile(t, img)

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.Len(t, f.Scans(), 1)
	assert.Equal(t, uint64(3), f.Scans()[0].PointCount)

	res, err := f.ReadScan(0)
	require.NoError(t, err)
	require.Len(t, res.Points, 3)
	assert.Equal(t, Point{X: 1, Y: 2, Z: 3}, res.Points[0])
	assert.Equal(t, Point{X: 7, Y: 8, Z: 9}, res.Points[2])
}

func TestOpenAndReadScanMultiPage(t *testing.T) {
	const n = 200 // 4800 payload bytes span five pages
	vals := make([]float64, 0, 3*n)
	for i := 0; i < n; i++ {
		vals = append(vals, float64(i), float64(2*i), float64(3*i))
	}
	blob := writePages(packDoubles(vals...))
	img := buildContainer(cartesianXML(n, HeaderSize), blob)

	f, err := Open(writeTempFile(t, img))
	require.NoError(t, err)
	defer f.Close()

	res, err := f.ReadScan(0)
	require.NoError(t, err)
	require.Len(t, res.Points, n)
	assert.Equal(t, Point{X: 199, Y: 398, Z: 597}, res.Points[n-1])

	m := f.Metrics()
	assert.Equal(t, int64(4), m.PagesValid)
}

func TestReadScanCorruptedPage(t *testing.T) {
	const n = 100 // 2400 payload bytes, two full pages plus remainder
	vals := make([]float64, 3*n)
	blob := writePages(packDoubles(vals...))
	blob[PageSize+pageCRCSize+3] ^= 0x55
	img := buildContainer(cartesianXML(n, HeaderSize), blob)

	f, err := Open(writeTempFile(t, img))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadScan(0)
	require.Error(t, err)
	var crcErr *CRCError
	require.True(t, errors.As(err, &crcErr))
	assert.Equal(t, int64(1), crcErr.PageIndex)

	results, err := f.ValidateScan(0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.True(t, results[2].Partial)
}

func TestReadScanIndexOutOfRange(t *testing.T) {
	blob := writePages(packDoubles(1, 2, 3))
	img := buildContainer(cartesianXML(1, HeaderSize), blob)
	f, err := Open(writeTempFile(t, img))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadScan(1)
	assert.Error(t, err)
	_, err = f.ReadScan(-1)
	assert.Error(t, err)
}
