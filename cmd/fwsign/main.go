// Command fwsign turns a raw firmware image into the wire bytes a flashing
// tool would feed to the bootloader engine, and optionally writes a release
// manifest for it carrying a secp256k1 signature, using an external signing
// model: the private key never has to touch this tool.
//
// Subcommand wire emits plain PROG_MULTI frames. Subcommand encrypt emits a
// SET_IV frame followed by PROG_MULTI_ENCRYPTED frames, prefixing the image
// with the declared-length and declared-CRC header and encrypting under
// AES-128-CBC. Subcommand sign takes an externally produced signature and
// public key and writes a CBOR manifest recording them alongside the
// image's CRC; it does not verify the signature.
package main

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"

	"fcboot.dev/cbcdec"
	"fcboot.dev/crc32ieee"
	"fcboot.dev/frame"
)

// maxPayload is the largest chunk length accepted by PROG_MULTI /
// PROG_MULTI_ENCRYPTED: a multiple of the relevant block size, strictly
// less than cbcdec.MaxLen.
const maxPayload = 252 // largest multiple of 4 below cbcdec.MaxLen (255)

const (
	opProgMulti          = 0x27
	opProgMultiEncrypted = 0x37
)

var (
	wireCmd    = flag.NewFlagSet("wire", flag.ExitOnError)
	wireOut    = wireCmd.String("o", "", "output path; defaults to stdout")
	encryptCmd = flag.NewFlagSet("encrypt", flag.ExitOnError)
	encryptOut = encryptCmd.String("o", "", "output path; defaults to stdout")
	encryptKey = encryptCmd.String("key", "", "16-byte AES key, hex-encoded")
	encryptIV  = encryptCmd.String("iv", "", "16-byte initial IV, hex-encoded")
	signCmd    = flag.NewFlagSet("sign", flag.ExitOnError)
	signOut    = signCmd.String("o", "", "manifest output path; defaults to stdout")
	signPubKey = signCmd.String("pubkey", "", "compressed public key, hex-encoded")
	signSig    = signCmd.String("sig", "", "detached signature over the image CRC, 64-byte hex-encoded")
)

func main() {
	if len(os.Args) <= 1 {
		fmt.Fprintf(os.Stderr, "fwsign: specify 'wire', 'encrypt', or 'sign'\n")
		os.Exit(2)
	}
	var err error
	switch cmd := os.Args[1]; cmd {
	case "wire":
		wireCmd.Parse(os.Args[2:])
		err = runWire()
	case "encrypt":
		encryptCmd.Parse(os.Args[2:])
		err = runEncrypt()
	case "sign":
		signCmd.Parse(os.Args[2:])
		err = runSign()
	default:
		fmt.Fprintf(os.Stderr, "fwsign: unknown command: %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fwsign: %v\n", err)
		os.Exit(2)
	}
}

func readImage(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// appendEOCFrame appends one command's wire bytes: opcode, length byte,
// payload, EOC — the exact shape the dispatcher's ReadByte/ReadPayload pair
// expects to see.
func appendEOCFrame(buf *bytes.Buffer, opcode byte, payload []byte) {
	buf.WriteByte(opcode)
	buf.WriteByte(byte(len(payload)))
	buf.Write(payload)
	buf.WriteByte(frame.EOC)
}

func runWire() error {
	path := wireCmd.Arg(0)
	img, err := readImage(path)
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	if len(img)%4 != 0 {
		return fmt.Errorf("wire: image length %d is not a multiple of 4", len(img))
	}
	var buf bytes.Buffer
	for off := 0; off < len(img); off += maxPayload {
		end := min(off+maxPayload, len(img))
		appendEOCFrame(&buf, opProgMulti, img[off:end])
	}
	w, closeW, err := openOutput(*wireOut)
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	defer closeW()
	_, err = w.Write(buf.Bytes())
	return err
}

func runEncrypt() error {
	path := encryptCmd.Arg(0)
	img, err := readImage(path)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	key, err := parseHexKey(*encryptKey)
	if err != nil {
		return fmt.Errorf("encrypt: -key: %w", err)
	}
	iv, err := parseHexKey(*encryptIV)
	if err != nil {
		return fmt.Errorf("encrypt: -iv: %w", err)
	}

	declaredCRC := crc32ieee.Update(img, 0)
	header := make([]byte, cbcdec.HeaderWords*4)
	putLE32(header[0:4], uint32(len(img)))
	putLE32(header[4:8], declaredCRC)
	plaintext := append(header, img...)
	for len(plaintext)%16 != 0 {
		plaintext = append(plaintext, 0)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, plaintext)

	var buf bytes.Buffer
	// SET_IV carries exactly 16 bytes and no length byte.
	buf.WriteByte(0x36)
	buf.Write(iv[:])
	buf.WriteByte(frame.EOC)
	chunk := maxPayload - maxPayload%16
	for off := 0; off < len(ciphertext); off += chunk {
		end := min(off+chunk, len(ciphertext))
		appendEOCFrame(&buf, opProgMultiEncrypted, ciphertext[off:end])
	}
	w, closeW, err := openOutput(*encryptOut)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	defer closeW()
	_, err = w.Write(buf.Bytes())
	return err
}

// manifest is the CBOR-encoded release record produced by sign: the image
// CRC it covers plus the detached signature over that CRC, so a flashing
// tool can verify provenance before ever opening a serial port.
type manifest struct {
	CRC32     uint32 `cbor:"crc32"`
	PubKey    []byte `cbor:"pubkey"`
	Signature []byte `cbor:"signature"`
}

func runSign() error {
	path := signCmd.Arg(0)
	img, err := readImage(path)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if *signPubKey == "" {
		return errors.New("sign: specify a public key (-pubkey <hex>)")
	}
	if *signSig == "" {
		return errors.New("sign: specify a signature (-sig <hex>)")
	}
	pubKeyEnc, err := hex.DecodeString(*signPubKey)
	if err != nil {
		return fmt.Errorf("sign: invalid public key: %w", err)
	}
	pubKey, err := secp256k1.ParsePubKey(pubKeyEnc)
	if err != nil {
		return fmt.Errorf("sign: invalid public key: %w", err)
	}
	sigEnc, err := hex.DecodeString(*signSig)
	if err != nil {
		return fmt.Errorf("sign: invalid signature: %w", err)
	}

	m := manifest{
		CRC32:     crc32ieee.Update(img, 0),
		PubKey:    pubKey.SerializeCompressed(),
		Signature: sigEnc,
	}
	buf, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	w, closeW, err := openOutput(*signOut)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	defer closeW()
	_, err = w.Write(buf)
	return err
}

func parseHexKey(s string) ([16]byte, error) {
	var key [16]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != 16 {
		return key, fmt.Errorf("want 16 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}

func putLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}
