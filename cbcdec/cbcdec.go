// Package cbcdec implements the encrypted upload path's decryption
// adapter: CBC-chained 128-bit block decryption of received 16-byte
// groups, with the IV updated to each block's ciphertext after decrypting
// it (standard CBC decrypt chaining), plus header extraction on the first
// payload of a session.
//
// The block primitive is crypto/aes from the standard library: AES-128 in
// CBC mode is exactly what crypto/cipher.NewCBCDecrypter already provides,
// and no ecosystem package changes that shape (see DESIGN.md).
package cbcdec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	blockSize = 16
	// MaxLen is the largest encrypted payload length accepted, exclusive:
	// a payload of exactly MaxLen bytes is rejected, not just anything
	// larger.
	MaxLen = 255
	// HeaderWords is the number of 32-bit words occupied by the header on
	// the first encrypted payload of a session.
	HeaderWords = 4
)

// ErrInvalidLength is returned when the ciphertext length is not a
// multiple of 16 or is not strictly less than MaxLen.
var ErrInvalidLength = errors.New("cbcdec: invalid payload length")

// Decryptor holds the flash-resident key and the current chaining IV.
type Decryptor struct {
	key [16]byte
	iv  [16]byte
}

// New constructs a Decryptor over key, with the IV initialized to zero
// (overwritten by a subsequent SetIV).
func New(key [16]byte) *Decryptor {
	return &Decryptor{key: key}
}

// SetIV loads the chaining IV, as driven by the SET_IV opcode.
func (d *Decryptor) SetIV(iv [16]byte) {
	d.iv = iv
}

// Decrypt decrypts ciphertext block by block into a new slice, leaving
// ciphertext unchanged, and updates the IV to
// each block's ciphertext after decrypting it (CBC decrypt chaining). The
// length must be a positive multiple of 16 and strictly less than MaxLen;
// violating either fails the command with Invalid without touching flash,
// so this function touches no external state on error.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 || len(ciphertext) >= MaxLen {
		return nil, ErrInvalidLength
	}
	block, err := aes.NewCipher(d.key[:])
	if err != nil {
		return nil, fmt.Errorf("cbcdec: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	iv := d.iv
	for off := 0; off < len(ciphertext); off += blockSize {
		ct := ciphertext[off : off+blockSize]
		mode := cipher.NewCBCDecrypter(block, iv[:])
		mode.CryptBlocks(plain[off:off+blockSize], ct)
		copy(iv[:], ct)
	}
	d.iv = iv
	return plain, nil
}

// Header is the declared-length/declared-CRC pair extracted from the first
// four plaintext 32-bit words of the first encrypted payload of a session.
type Header struct {
	DeclaredLength uint32
	DeclaredCRC    uint32
}

// ExtractHeader reads the first HeaderWords 32-bit little-endian words
// from plaintext as a Header and returns the remaining bytes: the actual
// firmware payload, to be appended starting at plaintext word index 4.
func ExtractHeader(plaintext []byte) (Header, []byte, error) {
	const headerBytes = HeaderWords * 4
	if len(plaintext) < headerBytes {
		return Header{}, nil, fmt.Errorf("cbcdec: payload too short for header: %d bytes", len(plaintext))
	}
	h := Header{
		DeclaredLength: binary.LittleEndian.Uint32(plaintext[0:4]),
		DeclaredCRC:    binary.LittleEndian.Uint32(plaintext[4:8]),
	}
	return h, plaintext[headerBytes:], nil
}
