package e57

import (
	"errors"
	"fmt"
)

// Stable error codes. These appear in logs and API responses and must not
// be renamed.
const (
	CodeBadSignature         = "E57_ERROR_BAD_SIGNATURE"
	CodeUnsupportedVersion   = "E57_ERROR_UNSUPPORTED_VERSION"
	CodeShortFile            = "E57_ERROR_SHORT_FILE"
	CodeXMLBoundsOutOfRange  = "E57_ERROR_XML_BOUNDS_OUT_OF_RANGE"
	CodeInvalidPageSize      = "E57_ERROR_INVALID_PAGESIZE"
	CodeBadRoot              = "E57_ERROR_BAD_ROOT"
	CodeMissingData3D        = "E57_ERROR_MISSING_DATA3D"
	CodeMissingPoints        = "E57_ERROR_MISSING_POINTS"
	CodeMissingPrototype     = "E57_ERROR_MISSING_PROTOTYPE"
	CodeMissingCoordinates   = "E57_ERROR_MISSING_COORDINATES"
	CodeMissingCodecs        = "E57_ERROR_MISSING_CODECS"
	CodeMissingVectorNode    = "E57_ERROR_MISSING_COMPRESSED_VECTOR_NODE"
	CodeMissingRecordCount   = "E57_ERROR_MISSING_RECORDCOUNT"
	CodeInvalidRecordCount   = "E57_ERROR_INVALID_RECORDCOUNT"
	CodeMissingFileOffset    = "E57_ERROR_MISSING_FILEOFFSET"
	CodeUnsupportedCodec     = "E57_ERROR_UNSUPPORTED_CODEC"
	CodeUnsupportedPrecision = "E57_ERROR_UNSUPPORTED_PRECISION"
	CodePageCRCMismatch      = "E57_ERROR_PAGE_CRC_MISMATCH"
	CodeUnexpectedEOF        = "E57_ERROR_UNEXPECTED_EOF"
)

// ErrCancelled is returned when a decode is cancelled cooperatively. It is
// a terminal condition, not a failure: partial results remain usable.
var ErrCancelled = errors.New("e57: decode cancelled")

// Error is a structural E57 failure. Path and Attrs snapshot the offending
// XML element at detection time, before the node tree is released.
type Error struct {
	Code  string
	Path  string
	Attrs map[string]string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two *Error values by code, so callers can probe with a bare
// &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func newXMLError(code, path, msg string, attrs map[string]string) *Error {
	return &Error{Code: code, Path: path, Msg: msg, Attrs: attrs}
}

// CRCError reports a checksum mismatch on one physical page.
type CRCError struct {
	PageIndex int64
	Stored    uint32
	Computed  uint32
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("%s: page %d stored=0x%08X computed=0x%08X",
		CodePageCRCMismatch, e.PageIndex, e.Stored, e.Computed)
}

// Code returns the stable code for a returned error, or the empty string
// if the error did not originate in this package.
func Code(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	var ce *CRCError
	if errors.As(err, &ce) {
		return CodePageCRCMismatch
	}
	return ""
}
