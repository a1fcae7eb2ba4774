package p1

import (
	"io"

	"github.com/juju/errors"
)

// Error kinds. Use errors.Cause(err) == ErrX to classify.
// All of these are non-fatal for the telegram stream.
var (
	ErrFramingDesync        = errors.New("framing desync")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrLineUnparseable      = errors.New("line unparseable")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrZeroRegression       = errors.New("zero regression")
	ErrDerivationCycle      = errors.New("derivation cycle")
)

// IsFatal reports whether err ends the telegram stream.
// io.EOF is end of replay or closed transport, anything unknown is a transport fault.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err) {
	case ErrFramingDesync, ErrChecksumMismatch, ErrLineUnparseable, ErrMissingRequiredField, ErrZeroRegression:
		return false
	}
	return true
}

// Kind returns short machine readable name for logs and metrics.
func Kind(err error) string {
	switch errors.Cause(err) {
	case nil:
		return ""
	case ErrFramingDesync:
		return "framing_desync"
	case ErrChecksumMismatch:
		return "checksum_mismatch"
	case ErrLineUnparseable:
		return "line_unparseable"
	case ErrMissingRequiredField:
		return "missing_required_field"
	case ErrZeroRegression:
		return "zero_regression"
	case ErrDerivationCycle:
		return "derivation_cycle"
	case io.EOF:
		return "transport_closed"
	}
	return "transport_fault"
}
