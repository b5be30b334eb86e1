// Package codec turns raw adapter responses into typed readings.
//
// Two frame layouts are understood:
//
//	legacy:       41 <PID>          <data 1..4>   (min 6 hex chars)
//	manufacturer: 62 <DID hi> <lo>  <data 1..4>   (min 8 hex chars)
//
// Every failure is returned as an error; nothing here panics on adapter noise.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/formula"
)

var (
	// ErrShortFrame is returned when a response is shorter than its layout allows.
	ErrShortFrame = errors.New("codec: frame too short")
	// ErrBadPrefix is returned when no response line starts with the expected echo.
	ErrBadPrefix = errors.New("codec: unexpected response prefix")
	// ErrNotHex is returned when the payload contains non-hex characters.
	ErrNotHex = errors.New("codec: payload is not hex")
	// ErrNoData is the adapter's "NO DATA" answer: the ECU did not reply.
	ErrNoData = errors.New("codec: no data")
	// ErrAdapter wraps any other adapter-level error word.
	ErrAdapter = errors.New("codec: adapter error")
	// ErrEmpty is returned for a blank response.
	ErrEmpty = errors.New("codec: empty response")
	// ErrNotFinite is returned when a formula yields NaN or an infinity.
	ErrNotFinite = errors.New("codec: value is not finite")
)

// Quality values attached to readings.
const (
	QualityGood    float32 = 1.0
	QualityClamped float32 = 0.5
)

// Reading is a single decoded parameter value.
type Reading struct {
	Parameter string    `json:"parameter"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	Quality   float32   `json:"quality"`
}

// Layout selects the response framing rules.
type Layout int

const (
	LegacyLayout Layout = iota
	ManufacturerLayout
)

// LayoutFor returns the response layout used by a catalog protocol.
func LayoutFor(p catalog.Protocol) Layout {
	if p == catalog.Manufacturer {
		return ManufacturerLayout
	}
	return LegacyLayout
}

// Prefix returns the positive-response echo expected for requestCode,
// e.g. 010C -> 410C and 221234 -> 621234.
func (l Layout) Prefix(requestCode string) string {
	code := strings.ToUpper(requestCode)
	if l == ManufacturerLayout {
		if len(code) < 6 {
			return "62" + code
		}
		return "62" + code[2:6]
	}
	if len(code) < 4 {
		return "41" + code
	}
	return "41" + code[2:4]
}

// MinLen is the minimum number of hex characters of a valid frame.
func (l Layout) MinLen() int {
	if l == ManufacturerLayout {
		return 8
	}
	return 6
}

// Decode parses raw for def and returns the clamped, rounded reading.
func Decode(def catalog.CommandDefinition, l Layout, raw string) (Reading, error) {
	data, err := Payload(raw, def.RequestCode, l.Prefix(def.RequestCode), l.MinLen())
	if err != nil {
		return Reading{}, fmt.Errorf("%s: %w", def.Name, err)
	}

	expr := def.Expr()
	if expr == nil {
		if expr, err = formula.Compile(def.Formula); err != nil {
			return Reading{}, fmt.Errorf("%s: %w", def.Name, err)
		}
	}
	v, err := expr.Eval(formula.VarsFromBytes(data))
	if err != nil {
		return Reading{}, fmt.Errorf("%s: %w", def.Name, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Reading{}, fmt.Errorf("%s: %w: %v", def.Name, ErrNotFinite, v)
	}

	q := QualityGood
	if v < def.MinValue {
		v, q = def.MinValue, QualityClamped
	} else if v > def.MaxValue {
		v, q = def.MaxValue, QualityClamped
	}

	return Reading{
		Parameter: def.Name,
		Value:     round2(v),
		Unit:      def.Unit,
		Timestamp: time.Now(),
		Quality:   q,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Payload locates the response line beginning with prefix and returns the
// bytes following it. minLen counts hex characters including the prefix.
// request is the command that was sent; an echoed copy of it is ignored.
func Payload(raw, request, prefix string, minLen int) ([]byte, error) {
	frames, err := Frames(raw, request, prefix, minLen)
	if err != nil {
		return nil, err
	}
	return frames[0], nil
}

// Frames is Payload for responses that may carry several matching lines
// (several ECUs answering, or multi-line trouble-code replies).
func Frames(raw, request, prefix string, minLen int) ([][]byte, error) {
	lines := Lines(raw, request)
	if len(lines) == 0 {
		return nil, ErrEmpty
	}
	prefix = strings.ToUpper(prefix)

	var out [][]byte
	var firstErr error
	for _, line := range lines {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		if len(line) < minLen {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %q is %d hex chars, need %d", ErrShortFrame, line, len(line), minLen)
			}
			continue
		}
		data, err := hexBytes(line[len(prefix):])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, data)
	}
	if len(out) > 0 {
		return out, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, classify(lines, prefix)
}

// classify explains why none of lines matched prefix.
func classify(lines []string, prefix string) error {
	for _, line := range lines {
		if nrc, ok := parseNegative(line); ok {
			return nrc
		}
	}
	for _, line := range lines {
		switch {
		case strings.Contains(line, "NODATA"):
			return ErrNoData
		case line == "?", strings.Contains(line, "ERROR"), strings.Contains(line, "UNABLETOCONNECT"),
			strings.Contains(line, "STOPPED"), strings.Contains(line, "BUFFERFULL"):
			return fmt.Errorf("%w: %s", ErrAdapter, line)
		}
	}
	first := lines[0]
	if len(first) < len(prefix) && strings.HasPrefix(prefix, first) {
		return fmt.Errorf("%w: %q", ErrShortFrame, first)
	}
	return fmt.Errorf("%w: want %s, got %q", ErrBadPrefix, prefix, first)
}

// Lines splits an adapter response into normalized lines: whitespace
// removed, upper-cased, with the prompt, status chatter and the echoed
// request dropped.
func Lines(raw, request string) []string {
	request = Normalize(request)
	raw = strings.ReplaceAll(raw, ">", "")
	var out []string
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = Normalize(line)
		switch {
		case line == "":
			continue
		case request != "" && line == request:
			continue
		case line == "OK", strings.HasPrefix(line, "SEARCHING"), strings.HasPrefix(line, "BUSINIT"):
			continue
		}
		out = append(out, line)
	}
	return mergeSegments(out)
}

// mergeSegments joins the adapter's multi-frame rendering
//
//	00B
//	0: 59 02 FF 07 11 00
//	1: 09 C1 01 00 04 AA AA
//
// into a single line, truncated to the announced byte count.
func mergeSegments(lines []string) []string {
	var out []string
	var cur strings.Builder
	want, in := 0, false
	flush := func() {
		if !in {
			return
		}
		s := cur.String()
		if want > 0 && len(s) > want*2 {
			s = s[:want*2]
		}
		out = append(out, s)
		cur.Reset()
		want, in = 0, false
	}
	for i, line := range lines {
		if len(line) >= 2 && line[1] == ':' && isHexDigit(line[0]) {
			if line[0] == '0' && in && cur.Len() > 0 {
				flush()
			}
			in = true
			cur.WriteString(line[2:])
			continue
		}
		if len(line) == 3 && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "0:") {
			flush()
			if n, err := strconv.ParseUint(line, 16, 16); err == nil {
				want = int(n)
			}
			in = true
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return out
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'F'
}

// Normalize strips all whitespace and upper-cases s.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// hexBytes parses s as byte pairs, dropping a trailing odd nibble.
func hexBytes(s string) ([]byte, error) {
	if len(s)%2 == 1 {
		s = s[:len(s)-1]
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotHex, s)
	}
	return data, nil
}
