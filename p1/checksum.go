package p1

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/crc"
)

type ChecksumMode uint8

const (
	ChecksumVerify ChecksumMode = iota
	// For meters which send no checksum (DSMR 2.x/3.x). Explicit config only.
	ChecksumSkip
)

func ParseChecksumMode(s string) (ChecksumMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "verify":
		return ChecksumVerify, nil
	case "skip":
		return ChecksumSkip, nil
	}
	return ChecksumVerify, errors.NotValidf("checksum mode=%s", s)
}

func (m ChecksumMode) String() string {
	switch m {
	case ChecksumVerify:
		return "verify"
	case ChecksumSkip:
		return "skip"
	}
	return fmt.Sprintf("mode(%d)", m)
}

// Checksum computes CRC-16/ARC over telegram bytes '/' through '!'.
func Checksum(span []byte) uint16 { return crc.CRC16ARC(0, span) }

// ValidateChecksum returns nil for valid telegram or error with cause ErrChecksumMismatch.
func ValidateChecksum(t *RawTelegram, mode ChecksumMode) error {
	if mode == ChecksumSkip {
		return nil
	}
	if t.Checksum == "" {
		return errors.Annotate(ErrChecksumMismatch, "telegram without checksum")
	}
	if len(t.Checksum) != 4 {
		return errors.Annotatef(ErrChecksumMismatch, "malformed checksum=%q", t.Checksum)
	}
	expect, err := strconv.ParseUint(t.Checksum, 16, 16)
	if err != nil {
		return errors.Annotatef(ErrChecksumMismatch, "malformed checksum=%q", t.Checksum)
	}
	if actual := Checksum(t.Span); uint16(expect) != actual {
		return errors.Annotatef(ErrChecksumMismatch, "received=%04X computed=%04X", expect, actual)
	}
	return nil
}
