package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brutella/can"
)

func testLink(rx chan can.Frame) (*isotpLink, *[]can.Frame) {
	var sent []can.Frame
	cfg := DefaultISOTPConfig()
	cfg.TimeoutBs = 50 * time.Millisecond
	cfg.TimeoutCr = 50 * time.Millisecond
	cfg.MaxWait = 2
	return &isotpLink{
		cfg:  cfg,
		send: func(f can.Frame) error { sent = append(sent, f); return nil },
		rx:   rx,
	}, &sent
}

func rxFrame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Length: 8}
	copy(f.Data[:], data)
	return f
}

func TestStMin(t *testing.T) {
	tests := []struct {
		b    byte
		want time.Duration
	}{
		{0x00, 0},
		{0x0A, 10 * time.Millisecond},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
		{0x80, 127 * time.Millisecond},
		{0xFA, 127 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := decodeStMin(tt.b); got != tt.want {
			t.Errorf("decodeStMin(%02X) = %v, want %v", tt.b, got, tt.want)
		}
	}
	if encodeStMin(5*time.Millisecond) != 5 || encodeStMin(time.Second) != 127 {
		t.Error("encodeStMin out of range")
	}
}

func TestAddressing(t *testing.T) {
	if !responseID(0x7DF, 0x7E8) || !responseID(0x7DF, 0x7EF) || responseID(0x7DF, 0x7F0) {
		t.Error("functional response range")
	}
	if !responseID(0x7E1, 0x7E9) || responseID(0x7E1, 0x7E8) {
		t.Error("physical response id")
	}
	if flowTarget(0x7DF, 0x7EA) != 0x7E2 || flowTarget(0x7E0, 0x7E8) != 0x7E0 {
		t.Error("flow control target")
	}
}

func TestReceiveIgnoresForeignFrames(t *testing.T) {
	rx := make(chan can.Frame, 4)
	rx <- rxFrame(0x123, 0x02, 0x41, 0x00)
	rx <- rxFrame(0x7E9, 0x03, 0x41, 0x05, 0x7B)
	l, _ := testLink(rx)

	id, payload, err := l.Receive(context.Background(), 0x7DF, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x7E9 || len(payload) != 3 || payload[2] != 0x7B {
		t.Errorf("got %03X % X", id, payload)
	}
}

func TestReceiveWrongSequence(t *testing.T) {
	rx := make(chan can.Frame, 4)
	rx <- rxFrame(0x7E8, 0x10, 0x0A, 1, 2, 3, 4, 5, 6)
	rx <- rxFrame(0x7E8, 0x22, 7, 8, 9, 10)
	l, sent := testLink(rx)

	_, _, err := l.Receive(context.Background(), 0x7E0, 50*time.Millisecond)
	if !errors.Is(err, ErrWrongSequence) {
		t.Errorf("err = %v", err)
	}
	if len(*sent) != 1 || (*sent)[0].Data[0] != 0x30 {
		t.Errorf("flow control not sent: %+v", *sent)
	}
}

func TestReceiveConsecutiveTimeout(t *testing.T) {
	rx := make(chan can.Frame, 4)
	rx <- rxFrame(0x7E8, 0x10, 0x14, 1, 2, 3, 4, 5, 6)
	l, _ := testLink(rx)
	if _, _, err := l.Receive(context.Background(), 0x7E0, 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v", err)
	}
}

func TestReceiveBlockSize(t *testing.T) {
	rx := make(chan can.Frame, 8)
	rx <- rxFrame(0x7E8, 0x10, 0x14, 1, 2, 3, 4, 5, 6)
	rx <- rxFrame(0x7E8, 0x21, 7, 8, 9, 10, 11, 12, 13)
	rx <- rxFrame(0x7E8, 0x22, 14, 15, 16, 17, 18, 19, 20)
	l, sent := testLink(rx)
	l.cfg.BlockSize = 1

	_, payload, err := l.Receive(context.Background(), 0x7E0, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) != 20 || payload[19] != 20 {
		t.Errorf("payload % X", payload)
	}
	if len(*sent) != 2 {
		t.Errorf("sent %d flow control frames, want 2", len(*sent))
	}
}

func TestSendFlowControl(t *testing.T) {
	payload := make([]byte, 20)

	t.Run("overflow", func(t *testing.T) {
		rx := make(chan can.Frame, 1)
		rx <- rxFrame(0x7E8, 0x32, 0, 0)
		l, _ := testLink(rx)
		if err := l.Send(context.Background(), 0x7E0, payload); !errors.Is(err, ErrOverflow) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("wait limit", func(t *testing.T) {
		rx := make(chan can.Frame, 4)
		for i := 0; i < 3; i++ {
			rx <- rxFrame(0x7E8, 0x31, 0, 0)
		}
		l, _ := testLink(rx)
		if err := l.Send(context.Background(), 0x7E0, payload); !errors.Is(err, ErrWaitLimit) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("no flow control", func(t *testing.T) {
		l, sent := testLink(make(chan can.Frame))
		if err := l.Send(context.Background(), 0x7E0, payload); !errors.Is(err, ErrTimeout) {
			t.Errorf("err = %v", err)
		}
		if len(*sent) != 1 {
			t.Errorf("sent %d frames before FC", len(*sent))
		}
	})

	t.Run("block size", func(t *testing.T) {
		rx := make(chan can.Frame, 4)
		rx <- rxFrame(0x7E8, 0x30, 1, 0)
		rx <- rxFrame(0x7E8, 0x30, 1, 0)
		l, sent := testLink(rx)
		if err := l.Send(context.Background(), 0x7E0, payload); err != nil {
			t.Fatal(err)
		}
		// FF + 2 CFs
		if len(*sent) != 3 || (*sent)[2].Data[0] != 0x22 {
			t.Errorf("sent %+v", *sent)
		}
	})

	t.Run("too long", func(t *testing.T) {
		l, _ := testLink(nil)
		if err := l.Send(context.Background(), 0x7E0, make([]byte, 4096)); !errors.Is(err, ErrFrameTooLong) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestReceiveFixedResponseID(t *testing.T) {
	rx := make(chan can.Frame, 4)
	rx <- rxFrame(0x7E8, 0x03, 0x41, 0x05, 0x7B)
	rx <- rxFrame(0x7E9, 0x03, 0x41, 0x05, 0x5A)
	l, _ := testLink(rx)
	l.rxID = 0x7E9

	id, payload, err := l.Receive(context.Background(), 0x7DF, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x7E9 || payload[2] != 0x5A {
		t.Errorf("got %03X % X", id, payload)
	}
}

func TestResetTimerDiscardsStaleTick(t *testing.T) {
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()
	time.Sleep(10 * time.Millisecond)

	resetTimer(timer, time.Hour)
	select {
	case <-timer.C:
		t.Fatal("stale tick survived reset")
	case <-time.After(20 * time.Millisecond):
	}

	resetTimer(timer, time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("rearmed timer never fired")
	}
}
