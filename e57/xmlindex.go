package e57

import (
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldName identifies a prototype record field.
type FieldName string

const (
	FieldCartesianX FieldName = "cartesianX"
	FieldCartesianY FieldName = "cartesianY"
	FieldCartesianZ FieldName = "cartesianZ"
	FieldIntensity  FieldName = "intensity"
	FieldColorR     FieldName = "colorRed"
	FieldColorG     FieldName = "colorGreen"
	FieldColorB     FieldName = "colorBlue"
	FieldRowIndex   FieldName = "rowIndex"
	FieldColIndex   FieldName = "columnIndex"
	FieldTimeStamp  FieldName = "timeStamp"
)

// FieldKind is the storage class of a prototype field.
type FieldKind int

const (
	KindInteger FieldKind = iota
	KindScaledInteger
	KindFloat32
	KindFloat64
)

func (k FieldKind) String() string {
	switch k {
	case KindInteger:
		return "Integer"
	case KindScaledInteger:
		return "ScaledInteger"
	case KindFloat32:
		return "Float32"
	case KindFloat64:
		return "Float64"
	}
	return "Unknown"
}

// FieldDescriptor is one column of the packed record layout, in prototype
// order.
type FieldDescriptor struct {
	Name     FieldName
	Kind     FieldKind
	BitWidth uint8
	Minimum  float64
	Maximum  float64
	Scale    float64
	Offset   float64
}

// Pose is a scan's rigid placement in file coordinates: a unit
// quaternion (w, x, y, z) and a translation in meters.
type Pose struct {
	Rotation    [4]float64
	Translation [3]float64
}

// ScanDescriptor locates one scan's packed point blob and describes its
// record layout.
type ScanDescriptor struct {
	GUID       string
	Name       string
	Pose       *Pose
	PointCount uint64
	BlobOffset uint64
	BlobLength uint64
	Fields     []FieldDescriptor
	Codec      string
}

// Field returns the descriptor for name, or nil when the prototype does
// not carry it.
func (s *ScanDescriptor) Field(name FieldName) *FieldDescriptor {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// RecordBits is the packed width of one point record.
func (s *ScanDescriptor) RecordBits() uint64 {
	var bits uint64
	for _, f := range s.Fields {
		bits += uint64(f.BitWidth)
	}
	return bits
}

// PayloadBytes is the packed byte length of the full point stream.
func (s *ScanDescriptor) PayloadBytes() uint64 {
	return (s.PointCount*s.RecordBits() + 7) / 8
}

// physicalBytes converts a payload length to the on-disk length of the
// paged section holding it.
func physicalBytes(payload uint64) uint64 {
	full := payload / PagePayloadSize
	rem := payload % PagePayloadSize
	return full*PageSize + rem
}

// Index is the decoded XML document.
type Index struct {
	Scans []ScanDescriptor
}

// xmlNode is a generic element tree. The document schema varies between
// writers, so navigation is by name lookup rather than fixed structs.
type xmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []xmlNode  `xml:",any"`
	Text    string     `xml:",chardata"`
}

func (n *xmlNode) child(name string) *xmlNode {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == name {
			return &n.Nodes[i]
		}
	}
	return nil
}

func (n *xmlNode) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *xmlNode) attrMap() map[string]string {
	if len(n.Attrs) == 0 {
		return nil
	}
	m := make(map[string]string, len(n.Attrs))
	for _, a := range n.Attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func (n *xmlNode) text() string { return strings.TrimSpace(n.Text) }

// ParseXMLIndex decodes the XML section and resolves every scan's blob
// location and record layout. Structural failures carry the element path
// and an attribute snapshot captured at detection time.
func ParseXMLIndex(data []byte) (*Index, error) {
	var root xmlNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, &Error{Code: CodeBadRoot, Msg: "xml section does not parse", cause: err}
	}
	if root.XMLName.Local != "e57Root" {
		return nil, newXMLError(CodeBadRoot, "/"+root.XMLName.Local,
			fmt.Sprintf("document root is <%s>, want <e57Root>", root.XMLName.Local), root.attrMap())
	}

	data3D := root.child("data3D")
	if data3D == nil {
		return nil, newXMLError(CodeMissingData3D, "/e57Root",
			"no <data3D> vector under document root", root.attrMap())
	}

	idx := &Index{}
	for i := range data3D.Nodes {
		scanNode := &data3D.Nodes[i]
		path := fmt.Sprintf("/e57Root/data3D/%s[%d]", scanNode.XMLName.Local, i)
		scan, err := parseScan(scanNode, path)
		if err != nil {
			return nil, err
		}
		idx.Scans = append(idx.Scans, scan)
	}
	return idx, nil
}

func parseScan(node *xmlNode, path string) (ScanDescriptor, error) {
	var scan ScanDescriptor

	if g := node.child("guid"); g != nil {
		scan.GUID = g.text()
	}
	if n := node.child("name"); n != nil {
		scan.Name = n.text()
	}
	scan.Pose = parsePose(node.child("pose"))

	points := node.child("points")
	if points == nil {
		return scan, newXMLError(CodeMissingPoints, path,
			"scan has no <points> element", node.attrMap())
	}
	pPath := path + "/points"
	if t, ok := points.attr("type"); !ok || t != "CompressedVector" {
		return scan, newXMLError(CodeMissingPoints, pPath,
			fmt.Sprintf("points type %q, want CompressedVector", t), points.attrMap())
	}

	proto := points.child("prototype")
	if proto == nil {
		return scan, newXMLError(CodeMissingPrototype, pPath,
			"points carry no <prototype>", points.attrMap())
	}
	fields, err := parsePrototype(proto, pPath+"/prototype")
	if err != nil {
		return scan, err
	}
	scan.Fields = fields

	hasX := scan.Field(FieldCartesianX) != nil
	hasY := scan.Field(FieldCartesianY) != nil
	hasZ := scan.Field(FieldCartesianZ) != nil
	if !hasX || !hasY || !hasZ {
		return scan, newXMLError(CodeMissingCoordinates, pPath+"/prototype",
			"prototype lacks cartesianX/Y/Z (spherical records are not supported)", proto.attrMap())
	}

	codecs := points.child("codecs")
	if codecs == nil {
		return scan, newXMLError(CodeMissingCodecs, pPath,
			"points carry no <codecs>", points.attrMap())
	}
	cPath := pPath + "/codecs"
	vn := codecs.child("CompressedVectorNode")
	if vn == nil {
		// VectorNode is a legacy writer alias.
		vn = codecs.child("VectorNode")
	}
	if vn == nil {
		return scan, newXMLError(CodeMissingVectorNode, cPath,
			"codecs contain no <CompressedVectorNode>", codecs.attrMap())
	}
	vPath := cPath + "/" + vn.XMLName.Local

	scan.Codec, err = parseCodecVector(vn, vPath)
	if err != nil {
		return scan, err
	}

	count, err := resolveRecordCount(points, vn, pPath, vPath)
	if err != nil {
		return scan, err
	}
	scan.PointCount = count

	offset, err := resolveFileOffset(points, vn, pPath, vPath)
	if err != nil {
		return scan, err
	}
	scan.BlobOffset = offset
	scan.BlobLength = physicalBytes(scan.PayloadBytes())

	return scan, nil
}

// parsePose reads an optional scan pose. A missing rotation defaults to
// the identity quaternion, a missing translation to zero.
func parsePose(node *xmlNode) *Pose {
	if node == nil {
		return nil
	}
	p := &Pose{Rotation: [4]float64{1, 0, 0, 0}}
	if rot := node.child("rotation"); rot != nil {
		for i, name := range []string{"w", "x", "y", "z"} {
			p.Rotation[i] = childFloat(rot, name, p.Rotation[i])
		}
	}
	if tr := node.child("translation"); tr != nil {
		for i, name := range []string{"x", "y", "z"} {
			p.Translation[i] = childFloat(tr, name, 0)
		}
	}
	return p
}

// parseCodecVector resolves the codec name. An empty codec vector selects
// the bitPack default.
func parseCodecVector(vn *xmlNode, path string) (string, error) {
	entries := vn.Nodes
	if vec := vn.child("vector"); vec != nil {
		entries = vec.Nodes
	}
	for i := range entries {
		name := entries[i].XMLName.Local
		if !strings.HasSuffix(name, "Codec") {
			continue
		}
		if name != "bitPackCodec" {
			return "", newXMLError(CodeUnsupportedCodec, path+"/"+name,
				fmt.Sprintf("codec %q is not supported, only bitPackCodec", name), entries[i].attrMap())
		}
		return name, nil
	}
	return "bitPackCodec", nil
}

func resolveRecordCount(points, vn *xmlNode, pPath, vPath string) (uint64, error) {
	raw, at := "", ""
	if v, ok := points.attr("recordCount"); ok {
		raw, at = v, pPath
	} else if v, ok := vn.attr("recordCount"); ok {
		raw, at = v, vPath
	} else if c := vn.child("recordCount"); c != nil {
		raw, at = c.text(), vPath+"/recordCount"
	}
	if raw == "" {
		return 0, newXMLError(CodeMissingRecordCount, pPath,
			"recordCount declared neither on <points> nor on the vector node", points.attrMap())
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, newXMLError(CodeInvalidRecordCount, at,
			fmt.Sprintf("recordCount %q is not a non-negative integer", raw), points.attrMap())
	}
	return uint64(n), nil
}

func resolveFileOffset(points, vn *xmlNode, pPath, vPath string) (uint64, error) {
	raw, at := "", ""
	if v, ok := points.attr("fileOffset"); ok {
		raw, at = v, pPath
	} else if v, ok := vn.attr("fileOffset"); ok {
		raw, at = v, vPath
	} else if c := vn.child("fileOffset"); c != nil {
		raw, at = c.text(), vPath+"/fileOffset"
	}
	if raw == "" {
		// Some writers emit only a symbolic <binarySection> name, which
		// cannot be resolved to a byte offset.
		return 0, newXMLError(CodeMissingFileOffset, pPath,
			"no fileOffset on <points> or the vector node", points.attrMap())
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, newXMLError(CodeMissingFileOffset, at,
			fmt.Sprintf("fileOffset %q is not an unsigned integer", raw), points.attrMap())
	}
	return n, nil
}

func parsePrototype(proto *xmlNode, path string) ([]FieldDescriptor, error) {
	fields := make([]FieldDescriptor, 0, len(proto.Nodes))
	for i := range proto.Nodes {
		fd, err := parseField(&proto.Nodes[i], path)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fd)
	}
	return fields, nil
}

func parseField(node *xmlNode, protoPath string) (FieldDescriptor, error) {
	fd := FieldDescriptor{
		Name:  FieldName(node.XMLName.Local),
		Scale: 1,
	}
	path := protoPath + "/" + node.XMLName.Local

	typ, _ := node.attr("type")
	switch typ {
	case "Float":
		prec, ok := node.attr("precision")
		switch {
		case !ok || prec == "double":
			fd.Kind, fd.BitWidth = KindFloat64, 64
		case prec == "single":
			fd.Kind, fd.BitWidth = KindFloat32, 32
		default:
			return fd, newXMLError(CodeUnsupportedPrecision, path,
				fmt.Sprintf("float precision %q, want single or double", prec), node.attrMap())
		}
	case "Integer", "ScaledInteger":
		fd.Kind = KindInteger
		if typ == "ScaledInteger" {
			fd.Kind = KindScaledInteger
		}
		fd.Minimum = attrFloat(node, "minimum", 0)
		fd.Maximum = attrFloat(node, "maximum", 0)
		fd.BitWidth = integerBitWidth(fd.Minimum, fd.Maximum)
		if fd.Kind == KindScaledInteger {
			fd.Scale = attrFloat(node, "scale", 1)
			fd.Offset = attrFloat(node, "offset", 0)
		}
	default:
		// Untyped leaves default to double floats, matching common
		// writer shorthand.
		fd.Kind, fd.BitWidth = KindFloat64, 64
	}

	if fd.Kind == KindFloat32 || fd.Kind == KindFloat64 {
		fd.Minimum = attrFloat(node, "minimum", math.Inf(-1))
		fd.Maximum = attrFloat(node, "maximum", math.Inf(1))
	}
	return fd, nil
}

// integerBitWidth is the packed width of an integer field spanning
// [min, max]. A degenerate range still occupies one bit.
func integerBitWidth(min, max float64) uint8 {
	span := max - min
	if span <= 0 {
		return 1
	}
	bits := uint8(math.Ceil(math.Log2(span + 1)))
	if bits == 0 {
		bits = 1
	}
	if bits > 64 {
		bits = 64
	}
	return bits
}

// childFloat reads a numeric child element's text, falling back to an
// attribute of the same name.
func childFloat(node *xmlNode, name string, def float64) float64 {
	if c := node.child(name); c != nil {
		if v, err := strconv.ParseFloat(c.text(), 64); err == nil {
			return v
		}
	}
	return attrFloat(node, name, def)
}

func attrFloat(node *xmlNode, name string, def float64) float64 {
	raw, ok := node.attr(name)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}
