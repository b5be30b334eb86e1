package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brutella/can"
)

// ISO 15765-2 protocol control information, high nibble of the first byte.
const (
	pciSingleFrame      = 0x00
	pciFirstFrame       = 0x10
	pciConsecutiveFrame = 0x20
	pciFlowControl      = 0x30
)

// Flow control status, low nibble of an FC frame.
const (
	flowContinue = 0x00
	flowWait     = 0x01
	flowOverflow = 0x02
)

const (
	functionalID   = 0x7DF
	maxPayloadSize = 4095
)

var (
	ErrWrongSequence = errors.New("isotp: wrong consecutive frame sequence number")
	ErrOverflow      = errors.New("isotp: receiver reported overflow")
	ErrWaitLimit     = errors.New("isotp: too many flow control wait frames")
	ErrFrameTooLong  = errors.New("isotp: payload exceeds 4095 bytes")
)

// ISOTPConfig holds the segmentation parameters.
type ISOTPConfig struct {
	BlockSize byte          `yaml:"block_size" json:"blockSize"` // CFs between our FCs, 0 = unlimited
	StMin     time.Duration `yaml:"st_min" json:"stMin"`         // separation we request from the sender
	PadByte   byte          `yaml:"pad_byte" json:"padByte"`
	TimeoutBs time.Duration `yaml:"timeout_bs" json:"timeoutBs"` // wait for FC after FF/block
	TimeoutCr time.Duration `yaml:"timeout_cr" json:"timeoutCr"` // wait for next CF
	MaxWait   int           `yaml:"max_wait" json:"maxWait"`     // FC WAIT frames tolerated
}

// DefaultISOTPConfig returns ISO 15765-2 recommended timings.
func DefaultISOTPConfig() ISOTPConfig {
	return ISOTPConfig{
		BlockSize: 0,
		StMin:     0,
		PadByte:   0xAA,
		TimeoutBs: 1000 * time.Millisecond,
		TimeoutCr: 1000 * time.Millisecond,
		MaxWait:   10,
	}
}

// isotpLink segments and reassembles messages over classic 8-byte CAN frames
// using normal 11-bit addressing.
type isotpLink struct {
	cfg  ISOTPConfig
	rxID uint32 // fixed response address, 0 derives it from the request address
	send func(can.Frame) error
	rx   <-chan can.Frame
}

// responseID reports whether id answers a request sent to txID.
func responseID(txID, id uint32) bool {
	if txID == functionalID {
		return id >= 0x7E8 && id <= 0x7EF
	}
	return id == txID+8
}

func (l *isotpLink) accepts(txID, id uint32) bool {
	if l.rxID != 0 {
		return id == l.rxID
	}
	return responseID(txID, id)
}

// flowTarget is where FC frames for a reply from respID must go.
func flowTarget(txID, respID uint32) uint32 {
	if txID == functionalID {
		return respID - 8
	}
	return txID
}

func (l *isotpLink) frame(id uint32, data []byte) can.Frame {
	f := can.Frame{ID: id, Length: 8}
	for i := range f.Data {
		f.Data[i] = l.cfg.PadByte
	}
	copy(f.Data[:], data)
	return f
}

// drain discards frames left over from a previous exchange.
func (l *isotpLink) drain() {
	for {
		select {
		case <-l.rx:
		default:
			return
		}
	}
}

// Send transmits payload to txID, segmenting when it does not fit in a
// single frame.
func (l *isotpLink) Send(ctx context.Context, txID uint32, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return ErrFrameTooLong
	}
	if len(payload) <= 7 {
		return l.send(l.frame(txID, append([]byte{pciSingleFrame | byte(len(payload))}, payload...)))
	}

	ff := []byte{pciFirstFrame | byte(len(payload)>>8&0x0F), byte(len(payload))}
	ff = append(ff, payload[:6]...)
	if err := l.send(l.frame(txID, ff)); err != nil {
		return err
	}

	rest := payload[6:]
	seq := byte(1)
	for len(rest) > 0 {
		bs, stMin, err := l.awaitFlowControl(ctx, txID)
		if err != nil {
			return err
		}
		for sent := 0; len(rest) > 0 && (bs == 0 || sent < int(bs)); sent++ {
			if sent > 0 && stMin > 0 {
				time.Sleep(stMin)
			}
			n := len(rest)
			if n > 7 {
				n = 7
			}
			cf := append([]byte{pciConsecutiveFrame | seq}, rest[:n]...)
			if err := l.send(l.frame(txID, cf)); err != nil {
				return err
			}
			rest = rest[n:]
			seq = (seq + 1) & 0x0F
		}
	}
	return nil
}

func (l *isotpLink) awaitFlowControl(ctx context.Context, txID uint32) (byte, time.Duration, error) {
	waits := 0
	timer := time.NewTimer(l.cfg.TimeoutBs)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-timer.C:
			return 0, 0, fmt.Errorf("%w: no flow control", ErrTimeout)
		case f, ok := <-l.rx:
			if !ok {
				return 0, 0, ErrClosed
			}
			if !l.accepts(txID, f.ID) || f.Length < 3 || f.Data[0]&0xF0 != pciFlowControl {
				continue
			}
			switch f.Data[0] & 0x0F {
			case flowContinue:
				return f.Data[1], decodeStMin(f.Data[2]), nil
			case flowWait:
				waits++
				if waits > l.cfg.MaxWait {
					return 0, 0, ErrWaitLimit
				}
				resetTimer(timer, l.cfg.TimeoutBs)
			case flowOverflow:
				return 0, 0, ErrOverflow
			}
		}
	}
}

// Receive waits up to timeout for a complete message answering txID and
// returns the responder's ID with the reassembled payload.
func (l *isotpLink) Receive(ctx context.Context, txID uint32, timeout time.Duration) (uint32, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-timer.C:
			return 0, nil, ErrTimeout
		case f, ok := <-l.rx:
			if !ok {
				return 0, nil, ErrClosed
			}
			if !l.accepts(txID, f.ID) || f.Length == 0 {
				continue
			}
			data := f.Data[:f.Length]
			switch data[0] & 0xF0 {
			case pciSingleFrame:
				n := int(data[0] & 0x0F)
				if n == 0 || n > len(data)-1 {
					continue
				}
				return f.ID, append([]byte(nil), data[1:1+n]...), nil
			case pciFirstFrame:
				if len(data) < 2 {
					continue
				}
				payload, err := l.receiveSegmented(ctx, txID, f.ID, data)
				return f.ID, payload, err
			}
		}
	}
}

func (l *isotpLink) receiveSegmented(ctx context.Context, txID, respID uint32, ff []byte) ([]byte, error) {
	total := int(ff[0]&0x0F)<<8 | int(ff[1])
	if total < 8 {
		return nil, fmt.Errorf("isotp: first frame announces %d bytes", total)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, ff[2:]...)

	fc := l.frame(flowTarget(txID, respID), []byte{pciFlowControl | flowContinue, l.cfg.BlockSize, encodeStMin(l.cfg.StMin)})
	if err := l.send(fc); err != nil {
		return nil, err
	}

	seq := byte(1)
	inBlock := 0
	timer := time.NewTimer(l.cfg.TimeoutCr)
	defer timer.Stop()
	for len(buf) < total {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: consecutive frame %d of %d bytes", ErrTimeout, len(buf), total)
		case f, ok := <-l.rx:
			if !ok {
				return nil, ErrClosed
			}
			if f.ID != respID || f.Length == 0 || f.Data[0]&0xF0 != pciConsecutiveFrame {
				continue
			}
			if f.Data[0]&0x0F != seq {
				return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongSequence, f.Data[0]&0x0F, seq)
			}
			buf = append(buf, f.Data[1:f.Length]...)
			seq = (seq + 1) & 0x0F
			resetTimer(timer, l.cfg.TimeoutCr)

			inBlock++
			if l.cfg.BlockSize > 0 && inBlock == int(l.cfg.BlockSize) && len(buf) < total {
				inBlock = 0
				if err := l.send(fc); err != nil {
					return nil, err
				}
			}
		}
	}
	return buf[:total], nil
}

// resetTimer rearms t, discarding a tick that fired but was not received.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// encodeStMin maps a separation time onto the STmin byte (0-127 ms).
func encodeStMin(d time.Duration) byte {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > 127 {
		return 127
	}
	return byte(ms)
}

// decodeStMin handles both the millisecond and the 100 µs ranges.
func decodeStMin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}
