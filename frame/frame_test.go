package frame

import (
	"testing"
	"time"

	"fcboot.dev/chanio"
	"fcboot.dev/timer"
)

func runTimers(t *testing.T, b *timer.Bank) func() {
	stop := make(chan struct{})
	go b.Run(stop, time.Millisecond)
	t.Cleanup(func() { close(stop) })
	return func() {}
}

func TestReadByteImmediate(t *testing.T) {
	var timers timer.Bank
	runTimers(t, &timers)
	p := chanio.NewPipe(0)
	p.Feed([]byte{0x42})
	b, err := ReadByte(p, &timers, time.Second)
	if err != nil || b != 0x42 {
		t.Fatalf("got %v, %v", b, err)
	}
}

func TestReadByteTimeout(t *testing.T) {
	var timers timer.Bank
	runTimers(t, &timers)
	p := chanio.NewPipe(0)
	_, err := ReadByte(p, &timers, 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v; want ErrTimeout", err)
	}
}

func TestReadByteNonBlockingPoll(t *testing.T) {
	var timers timer.Bank
	p := chanio.NewPipe(0)
	if _, err := ReadByte(p, &timers, 0); err != ErrTimeout {
		t.Fatalf("err = %v; want ErrTimeout for empty non-blocking poll", err)
	}
	p.Feed([]byte{1})
	b, err := ReadByte(p, &timers, 0)
	if err != nil || b != 1 {
		t.Fatalf("got %v, %v", b, err)
	}
}

func TestReadWordLE(t *testing.T) {
	var timers timer.Bank
	runTimers(t, &timers)
	p := chanio.NewPipe(0)
	p.Feed([]byte{0xAA, 0xBB, 0xCC, 0xDD})
	w, err := ReadWordLE(p, &timers, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if w != 0xDDCCBBAA {
		t.Fatalf("word = %#x; want 0xDDCCBBAA", w)
	}
}

func TestExpectEOC(t *testing.T) {
	var timers timer.Bank
	runTimers(t, &timers)
	p := chanio.NewPipe(0)
	p.Feed([]byte{EOC})
	if !ExpectEOC(p, &timers, time.Second) {
		t.Fatal("expected EOC match")
	}
	p.Feed([]byte{0x00})
	if ExpectEOC(p, &timers, time.Second) {
		t.Fatal("unexpected EOC match on wrong byte")
	}
}

func TestReply(t *testing.T) {
	p := chanio.NewPipe(0)
	if err := Reply(p, []byte{1, 2, 3}, OK); err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, Insync, byte(OK)}
	got := p.Sent()
	if string(got) != string(want) {
		t.Fatalf("sent = %x; want %x", got, want)
	}
}
