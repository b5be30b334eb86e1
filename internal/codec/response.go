package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NegativeResponseError is a 7F <service> <code> reply from the ECU.
type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("codec: negative response to service 0x%02X: %s (0x%02X)", e.Service, NRCName(e.Code), e.Code)
}

// ResponsePending reports whether the ECU asked for more time (NRC 0x78).
func (e *NegativeResponseError) ResponsePending() bool { return e.Code == 0x78 }

var nrcNames = map[byte]string{
	0x10: "generalReject",
	0x11: "serviceNotSupported",
	0x12: "subFunctionNotSupported",
	0x13: "incorrectMessageLengthOrInvalidFormat",
	0x14: "responseTooLong",
	0x21: "busyRepeatRequest",
	0x22: "conditionsNotCorrect",
	0x24: "requestSequenceError",
	0x25: "noResponseFromSubnetComponent",
	0x31: "requestOutOfRange",
	0x33: "securityAccessDenied",
	0x35: "invalidKey",
	0x36: "exceedNumberOfAttempts",
	0x37: "requiredTimeDelayNotExpired",
	0x72: "generalProgrammingFailure",
	0x78: "requestCorrectlyReceivedResponsePending",
	0x7E: "subFunctionNotSupportedInActiveSession",
	0x7F: "serviceNotSupportedInActiveSession",
}

// NRCName returns the ISO 14229 name of a negative response code.
func NRCName(code byte) string {
	if n, ok := nrcNames[code]; ok {
		return n
	}
	return "unknown"
}

func parseNegative(line string) (*NegativeResponseError, bool) {
	if !strings.HasPrefix(line, "7F") || len(line) < 6 {
		return nil, false
	}
	b, err := hex.DecodeString(line[:6])
	if err != nil {
		return nil, false
	}
	return &NegativeResponseError{Service: b[1], Code: b[2]}, true
}

// SupportedPIDs decodes a service 01 support bitmap reply to request
// 01<base> (base is 0x00, 0x20, 0x40, ...). It returns every supported PID in
// the following 32-PID window and whether the next window should be queried.
func SupportedPIDs(raw string, base byte) ([]byte, bool, error) {
	req := fmt.Sprintf("01%02X", base)
	data, err := Payload(raw, req, LegacyLayout.Prefix(req), 12)
	if err != nil {
		return nil, false, err
	}
	if len(data) < 4 {
		return nil, false, fmt.Errorf("%w: bitmap has %d bytes", ErrShortFrame, len(data))
	}
	var pids []byte
	for i := 0; i < 32; i++ {
		if data[i/8]&(0x80>>(uint(i)%8)) != 0 {
			pids = append(pids, base+byte(i)+1)
		}
	}
	more := data[3]&0x01 != 0
	return pids, more, nil
}
