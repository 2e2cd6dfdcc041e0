package crc32ieee

import "testing"

func TestKnownVector(t *testing.T) {
	// "123456789" is the standard CRC32 check input. With seed 0 and no
	// final XOR it yields 0x2DFD2D88, not the familiar 0xCBF43926 of the
	// 0xFFFFFFFF-seeded, final-XORed variant.
	got := Update([]byte("123456789"), 0)
	const want = 0x2DFD2D88
	if got != want {
		t.Fatalf("Update = %#x; want %#x", got, want)
	}
}

func TestChainedEqualsWhole(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44}
	whole := Update(data, 0)

	var c Checksum
	c.Write(data[:3])
	c.Write(data[3:])
	if c.Sum32() != whole {
		t.Fatalf("chained = %#x; whole = %#x", c.Sum32(), whole)
	}
}

func TestEmptyIsSeed(t *testing.T) {
	if got := Update(nil, 0); got != 0 {
		t.Fatalf("Update(nil, 0) = %#x; want 0", got)
	}
	if got := Update(nil, 0xdeadbeef); got != 0xdeadbeef {
		t.Fatalf("Update(nil, seed) = %#x; want seed unchanged", got)
	}
}
