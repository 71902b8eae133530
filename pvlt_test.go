package pvault

import (
	"bytes"
	"io"
	"testing"
)

// seekBuffer is a minimal in-memory io.WriteSeeker, used so EncodeStream
// can patch its header after streaming without needing a real file.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		grown := make([]byte, end)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(b.pos) + offset
	case io.SeekEnd:
		newPos = int64(len(b.buf)) + offset
	}
	b.pos = int(newPos)
	return newPos, nil
}

func roundTrip(t *testing.T, key, plaintext []byte, chunkSize uint32) []byte {
	t.Helper()
	dst := &seekBuffer{}
	chunkCount, originalSize, err := EncodeStream(dst, bytes.NewReader(plaintext), key, chunkSize)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	if originalSize != int64(len(plaintext)) {
		t.Fatalf("originalSize = %d, want %d", originalSize, len(plaintext))
	}
	_ = chunkCount

	var out bytes.Buffer
	if err := DecodeStream(&out, bytes.NewReader(dst.buf), key); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if !bytes.Equal(out.Bytes(), plaintext) {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d", out.Len(), len(plaintext))
	}
	return dst.buf
}

func TestEncodeDecodeRoundTripSmall(t *testing.T) {
	key := testKey(t)
	roundTrip(t, key, []byte("hello\n"), DefaultChunkSize)
}

func TestEncodeDecodeEmptyPlaintextProducesZeroChunks(t *testing.T) {
	key := testKey(t)
	dst := &seekBuffer{}
	chunkCount, originalSize, err := EncodeStream(dst, bytes.NewReader(nil), key, DefaultChunkSize)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	if chunkCount != 0 {
		t.Fatalf("chunkCount = %d, want 0", chunkCount)
	}
	if originalSize != 0 {
		t.Fatalf("originalSize = %d, want 0", originalSize)
	}

	var out bytes.Buffer
	if err := DecodeStream(&out, bytes.NewReader(dst.buf), key); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("decoded %d bytes, want 0", out.Len())
	}
}

func TestEncodeDecodeExactChunkBoundary(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte{0xAB}, 10)
	container := roundTrip(t, key, plaintext, 10)

	// exact multiple of chunkSize must still terminate after one chunk,
	// not emit a trailing empty chunk.
	var chunkCount uint32
	// chunkCount lives at offset 25 per the PVLT1 layout.
	chunkCount = uint32(container[25])<<24 | uint32(container[26])<<16 | uint32(container[27])<<8 | uint32(container[28])
	if chunkCount != 1 {
		t.Fatalf("chunkCount = %d, want 1", chunkCount)
	}
}

func TestEncodeDecodeMultiChunk(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte{0x42}, 3*1024*1024+17)
	roundTrip(t, key, plaintext, 1024*1024)
}

func TestEncodeDecodeChunkSizeOne(t *testing.T) {
	key := testKey(t)
	roundTrip(t, key, []byte("abc"), 1)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	key := testKey(t)
	dst := &seekBuffer{}
	if _, _, err := EncodeStream(dst, bytes.NewReader([]byte("x")), key, DefaultChunkSize); err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	container := append([]byte(nil), dst.buf...)
	container[0] = 'X'

	var out bytes.Buffer
	if err := DecodeStream(&out, bytes.NewReader(container), key); err != ErrInvalidMagic {
		t.Fatalf("got %v, want ErrInvalidMagic", err)
	}
}

func TestDecodeDetectsTamperedChunk(t *testing.T) {
	key := testKey(t)
	dst := &seekBuffer{}
	if _, _, err := EncodeStream(dst, bytes.NewReader([]byte("some secret bytes")), key, DefaultChunkSize); err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	container := append([]byte(nil), dst.buf...)
	container[len(container)-1] ^= 0xFF

	var out bytes.Buffer
	err := DecodeStream(&out, bytes.NewReader(container), key)
	if !IsCorruption(err) {
		t.Fatalf("got %v, want a CorruptionError", err)
	}
}

func TestDecodeRejectsTruncatedContainer(t *testing.T) {
	key := testKey(t)
	dst := &seekBuffer{}
	if _, _, err := EncodeStream(dst, bytes.NewReader(bytes.Repeat([]byte{1}, 100)), key, 10); err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	truncated := dst.buf[:len(dst.buf)-5]

	var out bytes.Buffer
	if err := DecodeStream(&out, bytes.NewReader(truncated), key); err == nil {
		t.Fatal("expected an error decoding a truncated container")
	}
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	key := testKey(t)
	dst := &seekBuffer{}
	if _, _, err := EncodeStream(dst, bytes.NewReader([]byte("hi")), key, DefaultChunkSize); err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	withGarbage := append(append([]byte(nil), dst.buf...), 0x00)

	var out bytes.Buffer
	if err := DecodeStream(&out, bytes.NewReader(withGarbage), key); err != ErrTrailingGarbage {
		t.Fatalf("got %v, want ErrTrailingGarbage", err)
	}
}

func TestDecodeDetectsChunkSwap(t *testing.T) {
	key := testKey(t)
	dst := &seekBuffer{}
	plaintext := bytes.Repeat([]byte{0}, 30)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	if _, _, err := EncodeStream(dst, bytes.NewReader(plaintext), key, 10); err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}

	// Parse out the two chunk records (chunk 0 and chunk 1) and swap them,
	// which must be caught by the nonce-equality check since each chunk's
	// nonce is bound to its position in the stream.
	header := append([]byte(nil), dst.buf[:pvltHeaderSize]...)
	rest := dst.buf[pvltHeaderSize:]

	readRecord := func(b []byte) (record []byte, tail []byte) {
		length := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		total := 4 + int(length)
		return b[:total], b[total:]
	}

	rec0, rest := readRecord(rest)
	rec1, rest := readRecord(rest)

	swapped := append([]byte(nil), header...)
	swapped = append(swapped, rec1...)
	swapped = append(swapped, rec0...)
	swapped = append(swapped, rest...)

	var out bytes.Buffer
	err := DecodeStream(&out, bytes.NewReader(swapped), key)
	if !IsCorruption(err) {
		t.Fatalf("got %v, want a CorruptionError from the swapped nonce", err)
	}
}

func TestValidateChunkSize(t *testing.T) {
	if err := ValidateChunkSize(0); err == nil {
		t.Fatal("expected an error for chunk size 0")
	}
	if err := ValidateChunkSize(maxChunkSize); err == nil {
		t.Fatal("expected an error for chunk size >= 2^31")
	}
	if err := ValidateChunkSize(1); err != nil {
		t.Fatalf("ValidateChunkSize(1): %v", err)
	}
}
