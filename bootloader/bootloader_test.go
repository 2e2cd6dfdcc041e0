package bootloader

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"testing"
	"time"

	"fcboot.dev/bytechan"
	"fcboot.dev/cbcdec"
	"fcboot.dev/chanio"
	"fcboot.dev/crc32ieee"
	"fcboot.dev/flash"
	"fcboot.dev/flashprog"
	"fcboot.dev/led"
	"fcboot.dev/timer"
)

func newTestSession(fwSize uint32, otpWords, udidWords int) (*Session, *flash.Region, *chanio.Pipe) {
	region := flash.NewRegion(fwSize, otpWords, udidWords, 0xCAFEBABE)
	pipe := chanio.NewPipe(0)
	mux := bytechan.NewMux(bytechan.Backend{
		Channel: bytechan.USART,
		Source:  pipe,
		Sink:    pipe,
	})
	timers := &timer.Bank{}
	s := &Session{
		Mux:    mux,
		Timers: timers,
		LED:    led.Null{},
		Flash:  flashprog.New(region, fwSize),
		OTP:    region,
		UDID:   region,
		Delay:  region,
		Board: Board{
			ID:              1,
			Rev:             2,
			FWSize:          fwSize,
			ChipID:          0xCAFEBABE,
			ChipDescription: "bench-test",
		},
	}
	return s, region, pipe
}

func waitForLen(t *testing.T, pipe *chanio.Pipe, n int, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := pipe.Sent(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d bytes on pipe; got %x", n, pipe.Sent())
	return nil
}

func encryptCBC(key, iv [16]byte, plaintext []byte) []byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	ct := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ct, plaintext)
	return ct
}

func le32bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestScenarioSync(t *testing.T) {
	s, _, pipe := newTestSession(8, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Run(ctx, s, 0)

	pipe.Feed([]byte{0x21, 0x20})
	got := waitForLen(t, pipe, 2, time.Second)
	want := []byte{0x12, 0x10}
	if string(got) != string(want) {
		t.Fatalf("reply = %x; want %x", got, want)
	}
}

func TestScenarioVersionQuery(t *testing.T) {
	s, _, pipe := newTestSession(8, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Run(ctx, s, 0)

	pipe.Feed([]byte{0x22, 0x01, 0x20})
	got := waitForLen(t, pipe, 6, time.Second)
	want := append(le32bytes(ProtocolVersion), 0x12, 0x10)
	if string(got) != string(want) {
		t.Fatalf("reply = %x; want %x", got, want)
	}
}

func TestScenarioFullUnencryptedUploadAndBoot(t *testing.T) {
	const fwSize = 8
	fw := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44}

	s, region, pipe := newTestSession(fwSize, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan Exit, 1)
	go func() {
		exit, _ := Run(ctx, s, 0)
		done <- exit
	}()

	// CHIP_ERASE
	pipe.Feed([]byte{0x23, 0x20})
	got := waitForLen(t, pipe, 2, time.Second)
	if string(got[0:2]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("chip erase reply = %x", got)
	}

	// PROG_MULTI
	cmd := append([]byte{0x27, byte(len(fw))}, fw...)
	cmd = append(cmd, 0x20)
	pipe.Feed(cmd)
	got = waitForLen(t, pipe, 4, time.Second)
	if string(got[2:4]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("prog_multi reply = %x", got)
	}

	// GET_CRC
	pipe.Feed([]byte{0x29, 0x20})
	got = waitForLen(t, pipe, 10, time.Second)
	wantCRC := crc32ieee.Update(fw, 0)
	want := append(le32bytes(wantCRC), 0x12, 0x10)
	if string(got[4:10]) != string(want) {
		t.Fatalf("get_crc reply = %x; want %x", got[4:10], want)
	}

	// BOOT
	pipe.Feed([]byte{0x30, 0x20})
	got = waitForLen(t, pipe, 12, time.Second)
	if string(got[10:12]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("boot reply = %x", got)
	}

	select {
	case exit := <-done:
		if exit != ExitBooted {
			t.Fatalf("exit = %v; want ExitBooted", exit)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after BOOT")
	}

	w0, _ := region.ReadWord(0)
	if w0 != 0xDDCCBBAA {
		t.Fatalf("finalized word0 = %#x", w0)
	}
}

func TestScenarioBadLength(t *testing.T) {
	s, _, pipe := newTestSession(8, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Run(ctx, s, 0)

	pipe.Feed([]byte{0x27, 0x03, 0x01, 0x02, 0x03, 0x20})
	got := waitForLen(t, pipe, 2, time.Second)
	want := []byte{0x12, 0x13}
	if string(got) != string(want) {
		t.Fatalf("reply = %x; want %x", got, want)
	}
}

func TestScenarioMissingEOC(t *testing.T) {
	s, _, pipe := newTestSession(8, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Run(ctx, s, 0)

	pipe.Feed([]byte{0x21})
	got := waitForLen(t, pipe, 2, time.Second)
	want := []byte{0x12, 0x13}
	if string(got) != string(want) {
		t.Fatalf("reply = %x; want %x", got, want)
	}
}

func TestScenarioKeyZeroingAfterProgMulti(t *testing.T) {
	const fwSize = 8
	s, region, pipe := newTestSession(fwSize, 1, 1)
	var key [16]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	region.SetKey(key)
	s.Keys = region
	s.Dec = cbcdec.New(key)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Run(ctx, s, 0)

	// CHECK_KEY: key is valid.
	pipe.Feed([]byte{0x39, 0x20})
	got := waitForLen(t, pipe, 2, time.Second)
	if string(got) != string([]byte{0x12, 0x10}) {
		t.Fatalf("check_key (valid) reply = %x", got)
	}

	// CHIP_ERASE
	pipe.Feed([]byte{0x23, 0x20})
	got = waitForLen(t, pipe, 4, time.Second)
	if string(got[2:4]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("chip_erase reply = %x", got)
	}

	// PROG_MULTI zeroes the key as a side effect.
	fw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	cmd := append([]byte{0x27, byte(len(fw))}, fw...)
	cmd = append(cmd, 0x20)
	pipe.Feed(cmd)
	got = waitForLen(t, pipe, 6, time.Second)
	if string(got[4:6]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("prog_multi reply = %x", got)
	}

	// CHECK_KEY again: key is now zero.
	pipe.Feed([]byte{0x39, 0x20})
	got = waitForLen(t, pipe, 8, time.Second)
	if string(got[6:8]) != string([]byte{0x12, 0x15}) {
		t.Fatalf("check_key (zeroed) reply = %x; want BAD_KEY", got)
	}

	// PROG_MULTI_ENCRYPTED with a zeroed key is rejected as BAD_KEY without
	// ever touching the decryptor.
	ciphertext := make([]byte, 16)
	cmd = append([]byte{0x37, byte(len(ciphertext))}, ciphertext...)
	cmd = append(cmd, 0x20)
	pipe.Feed(cmd)
	got = waitForLen(t, pipe, 10, time.Second)
	if string(got[8:10]) != string([]byte{0x12, 0x15}) {
		t.Fatalf("prog_multi_encrypted (bad key) reply = %x; want BAD_KEY", got)
	}
}

func TestScenarioEncryptedHappyPath(t *testing.T) {
	const fwSize = 16
	fw := []byte{0x10, 0x11, 0x12, 0x13, 0x20, 0x21, 0x22, 0x23, 0x30, 0x31, 0x32, 0x33, 0x40, 0x41, 0x42, 0x43}

	s, _, pipe := newTestSession(fwSize, 1, 1)
	var key [16]byte
	for i := range key {
		key[i] = byte(0x55 + i)
	}
	var iv [16]byte
	for i := range iv {
		iv[i] = byte(0xA0 + i)
	}

	s.Dec = cbcdec.New(key)

	declaredCRC := crc32ieee.Update(fw, 0)
	header := make([]byte, 16)
	copy(header[0:4], le32bytes(fwSize))
	copy(header[4:8], le32bytes(declaredCRC))
	plaintext := append(header, fw...)
	ciphertext := encryptCBC(key, iv, plaintext)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Run(ctx, s, 0)

	// CHIP_ERASE
	pipe.Feed([]byte{0x23, 0x20})
	got := waitForLen(t, pipe, 2, time.Second)
	if string(got) != string([]byte{0x12, 0x10}) {
		t.Fatalf("chip_erase reply = %x", got)
	}

	// SET_IV
	cmd := append([]byte{0x36}, iv[:]...)
	cmd = append(cmd, 0x20)
	pipe.Feed(cmd)
	got = waitForLen(t, pipe, 4, time.Second)
	if string(got[2:4]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("set_iv reply = %x", got)
	}

	// PROG_MULTI_ENCRYPTED carrying the header plus the whole image.
	cmd = append([]byte{0x37, byte(len(ciphertext))}, ciphertext...)
	cmd = append(cmd, 0x20)
	pipe.Feed(cmd)
	got = waitForLen(t, pipe, 6, 2*time.Second)
	if string(got[4:6]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("prog_multi_encrypted reply = %x", got)
	}

	// CHECK_CRC
	pipe.Feed([]byte{0x38, 0x20})
	got = waitForLen(t, pipe, 8, time.Second)
	if string(got[6:8]) != string([]byte{0x12, 0x10}) {
		t.Fatalf("check_crc reply = %x; want OK", got)
	}
}
