// Package dtc encodes and decodes diagnostic trouble codes.
//
// A code occupies two bytes:
//
//	first  bits 7-6  system letter  00=P 01=C 10=B 11=U
//	first  bits 5-0  \
//	second bits 7-0  / 14-bit number rendered as 4 hex digits
//
// e.g. 0x03 0x00 -> P0300, 0xE1 0x03 -> U2103.
package dtc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCode is returned by Encode for malformed code strings.
var ErrInvalidCode = errors.New("dtc: invalid code")

const systems = "PCBU"

// Code is a decoded trouble code.
type Code struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Status      string `json:"status"`
	System      string `json:"system"`
	Severity    string `json:"severity"`
}

func (c Code) String() string { return c.Code }

// Decode renders two raw bytes as a code string.
func Decode(first, second byte) string {
	n := uint16(first&0x3F)<<8 | uint16(second)
	return fmt.Sprintf("%c%04X", systems[first>>6], n)
}

// Encode is the inverse of Decode.
func Encode(code string) (first, second byte, err error) {
	if len(code) != 5 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	sys := strings.IndexByte(systems, upper(code[0]))
	if sys < 0 {
		return 0, 0, fmt.Errorf("%w: %q: unknown system letter", ErrInvalidCode, code)
	}
	n, err := strconv.ParseUint(code[1:], 16, 16)
	if err != nil || n > 0x3FFF {
		return 0, 0, fmt.Errorf("%w: %q: number out of range", ErrInvalidCode, code)
	}
	return byte(sys)<<6 | byte(n>>8), byte(n), nil
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

// New builds a Code with description, system and severity filled in.
func New(code, status string) Code {
	return Code{
		Code:        code,
		Description: Describe(code),
		Status:      status,
		System:      SystemName(code),
		Severity:    Severity(code),
	}
}

// ParseStored decodes the payload that follows a stored/pending codes
// response byte (0x43/0x47): 2-byte groups until the payload is exhausted.
// A trailing odd byte is discarded and all-zero groups are padding.
func ParseStored(payload []byte, status string) []Code {
	var out []Code
	for i := 0; i+1 < len(payload); i += 2 {
		if payload[i] == 0 && payload[i+1] == 0 {
			continue
		}
		out = append(out, New(Decode(payload[i], payload[i+1]), status))
	}
	return out
}

// ParseUDS decodes the records of a ReadDTCInformation reportDTCByStatusMask
// response, i.e. the bytes after "59 02 <availability mask>": 4-byte groups of
// DTC high, DTC middle, failure type and status. The first two bytes carry
// the same code layout as a stored-codes response.
func ParseUDS(records []byte) []Code {
	var out []Code
	for i := 0; i+3 < len(records); i += 4 {
		hi, mid, status := records[i], records[i+1], records[i+3]
		if hi == 0 && mid == 0 {
			continue
		}
		out = append(out, New(Decode(hi, mid), StatusString(status)))
	}
	return out
}
