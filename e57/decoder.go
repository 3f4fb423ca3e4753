package e57

import (
	"fmt"
	"math"
)

// Point is one decoded record. Optional attributes are zero when the
// prototype does not carry them; check DecodeResult flags.
type Point struct {
	X, Y, Z   float64
	Intensity float64
	R, G, B   uint8
	Row, Col  int32
	TimeStamp float64
}

// DecodeResult is the output of one scan decode.
type DecodeResult struct {
	Points       []Point
	Skipped      uint64
	HasIntensity bool
	HasColor     bool
	HasRowCol    bool
	HasTime      bool
}

// ProgressFunc reports records decoded so far out of the declared total.
type ProgressFunc func(done, total uint64)

// Decoder unpacks a bitPack point stream. The payload is the concatenated
// page payloads of the scan's binary section; records cross page
// boundaries, so unpacking runs over a single continuous bit stream.
type Decoder struct {
	scan      ScanDescriptor
	payload   []byte
	progress  ProgressFunc
	cancelled func() bool
}

func NewDecoder(scan ScanDescriptor, payload []byte) *Decoder {
	return &Decoder{scan: scan, payload: payload}
}

// OnProgress installs a progress callback, invoked roughly once per
// thousand records and at completion.
func (d *Decoder) OnProgress(fn ProgressFunc) { d.progress = fn }

// OnCancel installs a cooperative cancellation probe, polled once per
// record.
func (d *Decoder) OnCancel(fn func() bool) { d.cancelled = fn }

const progressStride = 1000

// Decode unpacks every record. Records with a non-finite coordinate are
// dropped and counted in Skipped. On cancellation the records decoded so
// far are returned alongside ErrCancelled.
func (d *Decoder) Decode() (*DecodeResult, error) {
	res := &DecodeResult{
		Points:       make([]Point, 0, d.scan.PointCount),
		HasIntensity: d.scan.Field(FieldIntensity) != nil,
		HasRowCol:    d.scan.Field(FieldRowIndex) != nil && d.scan.Field(FieldColIndex) != nil,
		HasTime:      d.scan.Field(FieldTimeStamp) != nil,
	}
	res.HasColor = d.scan.Field(FieldColorR) != nil &&
		d.scan.Field(FieldColorG) != nil && d.scan.Field(FieldColorB) != nil

	cur := bitCursor{data: d.payload}
	total := d.scan.PointCount

	for rec := uint64(0); rec < total; rec++ {
		if d.cancelled != nil && d.cancelled() {
			return res, ErrCancelled
		}

		var pt Point
		for _, f := range d.scan.Fields {
			v, err := d.unpackField(&cur, &f)
			if err != nil {
				return res, fmt.Errorf("record %d field %s: %w", rec, f.Name, err)
			}
			assignField(&pt, f.Name, v)
		}

		if !isFinite(pt.X) || !isFinite(pt.Y) || !isFinite(pt.Z) {
			res.Skipped++
			continue
		}
		res.Points = append(res.Points, pt)

		if d.progress != nil && (rec+1)%progressStride == 0 {
			d.progress(rec+1, total)
		}
	}
	if d.progress != nil {
		d.progress(total, total)
	}
	return res, nil
}

func (d *Decoder) unpackField(cur *bitCursor, f *FieldDescriptor) (float64, error) {
	raw, err := cur.read(uint(f.BitWidth))
	if err != nil {
		return 0, err
	}
	switch f.Kind {
	case KindFloat32:
		return float64(math.Float32frombits(uint32(raw))), nil
	case KindFloat64:
		return math.Float64frombits(raw), nil
	case KindInteger:
		return float64(signExtend(raw, f)), nil
	case KindScaledInteger:
		return float64(signExtend(raw, f))*f.Scale + f.Offset, nil
	}
	return 0, newError(CodeUnsupportedPrecision,
		fmt.Sprintf("field kind %v has no unpack rule", f.Kind))
}

// signExtend interprets raw as a two's-complement value of the field's
// bit width when the declared range reaches below zero.
func signExtend(raw uint64, f *FieldDescriptor) int64 {
	if f.Minimum >= 0 || f.BitWidth == 0 || f.BitWidth >= 64 {
		return int64(raw)
	}
	sign := uint64(1) << (f.BitWidth - 1)
	if raw&sign != 0 {
		raw |= ^uint64(0) << f.BitWidth
	}
	return int64(raw)
}

func assignField(pt *Point, name FieldName, v float64) {
	switch name {
	case FieldCartesianX:
		pt.X = v
	case FieldCartesianY:
		pt.Y = v
	case FieldCartesianZ:
		pt.Z = v
	case FieldIntensity:
		pt.Intensity = v
	case FieldColorR:
		pt.R = clampByte(v)
	case FieldColorG:
		pt.G = clampByte(v)
	case FieldColorB:
		pt.B = clampByte(v)
	case FieldRowIndex:
		pt.Row = int32(v)
	case FieldColIndex:
		pt.Col = int32(v)
	case FieldTimeStamp:
		pt.TimeStamp = v
	}
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// bitCursor reads least-significant-bit-first across a byte slice: the
// earliest stream bit lands in the lowest result bit.
type bitCursor struct {
	data    []byte
	byteIdx int
	bitIdx  uint
}

func (c *bitCursor) read(n uint) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	var v uint64
	var got uint
	for got < n {
		if c.byteIdx >= len(c.data) {
			return 0, newError(CodeUnexpectedEOF,
				fmt.Sprintf("bit stream exhausted at byte %d", c.byteIdx))
		}
		avail := 8 - c.bitIdx
		take := n - got
		if take > avail {
			take = avail
		}
		chunk := (uint64(c.data[c.byteIdx]) >> c.bitIdx) & ((1 << take) - 1)
		v |= chunk << got
		got += take
		c.bitIdx += take
		if c.bitIdx == 8 {
			c.bitIdx = 0
			c.byteIdx++
		}
	}
	return v, nil
}
