package pvault

import (
	"encoding/binary"
	"fmt"
	"io"
)

// pvltMagic is the 5-byte ASCII magic that opens every PVLT1 container.
var pvltMagic = [5]byte{'P', 'V', 'L', 'T', '1'}

// DefaultChunkSize is the plaintext size used for all non-final chunks
// when the caller does not specify one.
const DefaultChunkSize uint32 = 1 << 20 // 1 MiB

// maxChunkSize is the largest permitted chunkSize: it must fit the wire
// format's uint32 length prefix strictly below 2^31 per spec.md §4.3.
const maxChunkSize = uint32(1) << 31

// pvltHeaderSize is the fixed size, in bytes, of the PVLT1 header
// (everything before the first chunk's sealedLen field).
const pvltHeaderSize = 5 + 4 + 8 + 8 + 4

// ValidateChunkSize checks that a chunkSize falls in the (0, 2^31) range
// required by the PVLT1 format.
func ValidateChunkSize(chunkSize uint32) error {
	if chunkSize == 0 {
		return fmt.Errorf("pvault: chunk size must be positive")
	}
	if chunkSize >= maxChunkSize {
		return fmt.Errorf("pvault: chunk size must be below 2^31")
	}
	return nil
}

// chunkNonce constructs the nonce for chunk i of a file with the given
// 8-byte noncePrefix: noncePrefix ‖ big-endian uint32(i).
func chunkNonce(noncePrefix []byte, i uint32) []byte {
	nonce := make([]byte, 12)
	copy(nonce, noncePrefix)
	binary.BigEndian.PutUint32(nonce[8:], i)
	return nonce
}

// EncodeStream streams plaintext read from src into a PVLT1 container
// written to dst, sealing each chunkSize-byte (or smaller, for the final
// chunk) piece of plaintext with AES-256-GCM under key. dst must support
// Seek so the header's chunkCount and originalSize fields — unknown until
// the whole stream has been read — can be patched in after the fact. A
// zero-byte plaintext produces zero chunks.
func EncodeStream(dst io.WriteSeeker, src io.Reader, key []byte, chunkSize uint32) (chunkCount uint32, originalSize int64, err error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if err := ValidateChunkSize(chunkSize); err != nil {
		return 0, 0, err
	}

	noncePrefix, err := randomBytes(8)
	if err != nil {
		return 0, 0, err
	}

	if err := writePVLTHeader(dst, chunkSize, noncePrefix, 0, 0); err != nil {
		return 0, 0, err
	}

	buf := make([]byte, chunkSize)
	var i uint32
	var total int64

	for {
		n, rerr := readFullOrEOF(src, buf)
		if rerr != nil {
			return 0, 0, fmt.Errorf("pvault: read plaintext chunk: %w", rerr)
		}
		if n == 0 {
			break
		}

		nonce := chunkNonce(noncePrefix, i)
		combined, serr := sealCombined(key, buf[:n], nonce)
		if serr != nil {
			return 0, 0, fmt.Errorf("pvault: seal chunk %d: %w", i, serr)
		}

		var lenField [4]byte
		binary.BigEndian.PutUint32(lenField[:], uint32(len(combined)))
		if _, err := dst.Write(lenField[:]); err != nil {
			return 0, 0, fmt.Errorf("pvault: write chunk %d length: %w", i, err)
		}
		if _, err := dst.Write(combined); err != nil {
			return 0, 0, fmt.Errorf("pvault: write chunk %d: %w", i, err)
		}

		i++
		total += int64(n)

		if uint32(n) < chunkSize {
			break
		}
	}

	if err := patchPVLTHeader(dst, total, i); err != nil {
		return 0, 0, err
	}
	if _, err := dst.Seek(0, io.SeekEnd); err != nil {
		return 0, 0, fmt.Errorf("pvault: seek to end: %w", err)
	}

	return i, total, nil
}

// DecodeStream reads a PVLT1 container from src, verifies and decrypts
// every chunk under key, and writes the recovered plaintext to dst in
// order. Any failure — bad magic, an unsupported chunk length, a nonce
// that does not match its constructed value, an authentication failure,
// trailing bytes after the last chunk, or a size mismatch — aborts
// immediately; the caller is responsible for ensuring dst ends up empty
// or deleted on error (write to a temp file and rename on success).
func DecodeStream(dst io.Writer, src io.Reader, key []byte) error {
	var magic [5]byte
	if _, err := io.ReadFull(src, magic[:]); err != nil {
		return fmt.Errorf("pvault: read magic: %w", ErrUnexpectedEOF)
	}
	if magic != pvltMagic {
		return ErrInvalidMagic
	}

	var chunkSize uint32
	if err := binary.Read(src, binary.BigEndian, &chunkSize); err != nil {
		return fmt.Errorf("pvault: read chunk size: %w", ErrUnexpectedEOF)
	}

	noncePrefix := make([]byte, 8)
	if _, err := io.ReadFull(src, noncePrefix); err != nil {
		return fmt.Errorf("pvault: read nonce prefix: %w", ErrUnexpectedEOF)
	}

	var originalSize uint64
	if err := binary.Read(src, binary.BigEndian, &originalSize); err != nil {
		return fmt.Errorf("pvault: read original size: %w", ErrUnexpectedEOF)
	}

	var chunkCount uint32
	if err := binary.Read(src, binary.BigEndian, &chunkCount); err != nil {
		return fmt.Errorf("pvault: read chunk count: %w", ErrUnexpectedEOF)
	}

	var written int64
	for i := uint32(0); i < chunkCount; i++ {
		var sealedLen uint32
		if err := binary.Read(src, binary.BigEndian, &sealedLen); err != nil {
			return newCorruptionError("", i, ErrUnexpectedEOF)
		}
		if sealedLen < aeadOverhead || uint64(sealedLen) > uint64(chunkSize)+aeadOverhead {
			return newCorruptionError("", i, ErrMalformed)
		}

		sealed := make([]byte, sealedLen)
		if _, err := io.ReadFull(src, sealed); err != nil {
			return newCorruptionError("", i, ErrUnexpectedEOF)
		}

		want := chunkNonce(noncePrefix, i)
		got := sealed[:aeadNonceSize]
		if !constantTimeEqual(want, got) {
			return newCorruptionError("", i, ErrNonceMismatch)
		}

		plaintext, err := openCombined(key, sealed)
		if err != nil {
			return newCorruptionError("", i, err)
		}

		n, err := dst.Write(plaintext)
		if err != nil {
			return fmt.Errorf("pvault: write plaintext chunk %d: %w", i, err)
		}
		written += int64(n)
	}

	var probe [1]byte
	if _, err := io.ReadFull(src, probe[:]); err != io.EOF {
		if err == nil {
			return ErrTrailingGarbage
		}
		return fmt.Errorf("pvault: checking for trailing bytes: %w", err)
	}

	if written != int64(originalSize) {
		return ErrSizeMismatch
	}

	return nil
}

func writePVLTHeader(w io.Writer, chunkSize uint32, noncePrefix []byte, originalSize int64, chunkCount uint32) error {
	if _, err := w.Write(pvltMagic[:]); err != nil {
		return fmt.Errorf("pvault: write magic: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, chunkSize); err != nil {
		return fmt.Errorf("pvault: write chunk size: %w", err)
	}
	if _, err := w.Write(noncePrefix); err != nil {
		return fmt.Errorf("pvault: write nonce prefix: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(originalSize)); err != nil {
		return fmt.Errorf("pvault: write original size: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, chunkCount); err != nil {
		return fmt.Errorf("pvault: write chunk count: %w", err)
	}
	return nil
}

// patchPVLTHeader seeks back into an already-written header and rewrites
// the originalSize and chunkCount fields once the true values are known.
func patchPVLTHeader(w io.WriteSeeker, originalSize int64, chunkCount uint32) error {
	const originalSizeOffset = 5 + 4 + 8
	if _, err := w.Seek(originalSizeOffset, io.SeekStart); err != nil {
		return fmt.Errorf("pvault: seek to original size field: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(originalSize)); err != nil {
		return fmt.Errorf("pvault: patch original size: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, chunkCount); err != nil {
		return fmt.Errorf("pvault: patch chunk count: %w", err)
	}
	return nil
}

// readFullOrEOF reads into buf until it is full or the source is
// exhausted, returning the number of bytes actually read. Unlike
// io.ReadFull it treats io.EOF and io.ErrUnexpectedEOF as success: a
// short final read is exactly what the chunker expects.
func readFullOrEOF(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}
