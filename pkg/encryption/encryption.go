// Package encryption implements the AES-256-CBC transform applied to
// entries in a secured pool. Streams are processed in fixed-size chunks so
// arbitrarily large payloads never need to be resident in memory; a single
// cipher state carries the CBC chain across chunk boundaries. The final
// block is PKCS#7 padded, so ciphertext is always a non-zero multiple of
// the AES block size, even for empty plaintext.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// DefaultBlockSize is the chunk granularity used when Options.BlockSize
// is left zero.
const DefaultBlockSize = 1 << 20

// Options describes how to encrypt or decrypt a stream.
type Options struct {
	// Key is the AES-256 key (32 bytes).
	Key []byte
	// IV seeds the CBC chain (16 bytes).
	IV []byte
	// BlockSize is the chunk size in bytes. It must be a positive
	// multiple of the AES block size; zero selects DefaultBlockSize.
	BlockSize int
}

// Validate ensures the configuration is usable.
func (o Options) Validate() error {
	if len(o.Key) != 32 {
		return fmt.Errorf("encryption: aes-256-cbc requires 32-byte key, got %d", len(o.Key))
	}
	if len(o.IV) != aes.BlockSize {
		return fmt.Errorf("encryption: aes-256-cbc requires %d-byte iv, got %d", aes.BlockSize, len(o.IV))
	}
	if o.BlockSize < 0 || o.BlockSize%aes.BlockSize != 0 {
		return fmt.Errorf("encryption: block size %d is not a multiple of %d", o.BlockSize, aes.BlockSize)
	}
	return nil
}

func (o Options) chunkSize() int {
	if o.BlockSize == 0 {
		return DefaultBlockSize
	}
	return o.BlockSize
}

// Encrypt reads plaintext from src and writes ciphertext to dst. It
// returns the number of ciphertext bytes written.
func Encrypt(dst io.Writer, src io.Reader, opts Options) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return 0, err
	}
	mode := cipher.NewCBCEncrypter(block, opts.IV)

	chunk := opts.chunkSize()
	// One spare block so the final chunk can grow by its padding.
	buf := make([]byte, chunk, chunk+aes.BlockSize)
	var written int64
	for {
		n, rerr := io.ReadFull(src, buf)
		switch rerr {
		case nil:
			mode.CryptBlocks(buf[:n], buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		case io.EOF, io.ErrUnexpectedEOF:
			padded := pad(buf[:n])
			mode.CryptBlocks(padded, padded)
			if _, werr := dst.Write(padded); werr != nil {
				return written, werr
			}
			written += int64(len(padded))
			return written, nil
		default:
			return written, rerr
		}
	}
}

// Decrypt reads ciphertext from src and writes plaintext to dst. It
// returns the number of plaintext bytes written. The ciphertext must be a
// non-zero multiple of the AES block size and carry valid padding.
func Decrypt(dst io.Writer, src io.Reader, opts Options) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	r, err := newBlockReader(src, opts)
	if err != nil {
		return 0, err
	}
	return io.Copy(dst, r)
}

// NewReader returns a reader yielding the plaintext of the ciphertext
// stream src. Decryption happens incrementally as the caller reads; the
// last block is held back until end of stream so its padding can be
// stripped. Padding errors surface from the Read that reaches them.
func NewReader(src io.Reader, opts Options) (io.Reader, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newBlockReader(src, opts)
}

type blockReader struct {
	src  io.Reader
	mode cipher.BlockMode

	// buf holds one block of lookback plus one ciphertext chunk. Chunks
	// are decrypted in place at buf[aes.BlockSize:]; the held-back block
	// from the previous chunk is copied to buf[:aes.BlockSize] so each
	// fill can serve a single contiguous slice.
	buf  []byte
	out  []byte
	held [aes.BlockSize]byte

	haveHeld bool
	srcEOF   bool
	done     bool
	err      error
}

func newBlockReader(src io.Reader, opts Options) (*blockReader, error) {
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	return &blockReader{
		src:  src,
		mode: cipher.NewCBCDecrypter(block, opts.IV),
		buf:  make([]byte, aes.BlockSize+opts.chunkSize()),
	}, nil
}

func (r *blockReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// fill consumes the next ciphertext chunk and stages plaintext in r.out.
// Once the source is exhausted it emits the unpadded final block.
func (r *blockReader) fill() {
	if r.srcEOF {
		if !r.haveHeld {
			r.err = errors.New("encryption: ciphertext is empty")
			return
		}
		tail, err := unpad(r.held[:])
		if err != nil {
			r.err = err
			return
		}
		r.out = tail
		r.done = true
		return
	}

	chunk := r.buf[aes.BlockSize:]
	n, rerr := io.ReadFull(r.src, chunk)
	switch rerr {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		r.srcEOF = true
	default:
		r.err = rerr
		return
	}
	if n == 0 {
		return
	}
	if n%aes.BlockSize != 0 {
		r.err = fmt.Errorf("encryption: ciphertext length is not a multiple of %d", aes.BlockSize)
		return
	}
	r.mode.CryptBlocks(chunk[:n], chunk[:n])
	start := aes.BlockSize
	if r.haveHeld {
		copy(r.buf[:aes.BlockSize], r.held[:])
		start = 0
	}
	// The freshly decrypted final block may carry the stream's padding,
	// so it is withheld until the next fill proves more data follows.
	copy(r.held[:], chunk[n-aes.BlockSize:n])
	r.haveHeld = true
	r.out = r.buf[start:n]
}

// pad appends PKCS#7 padding in place, growing b within its capacity.
func pad(b []byte) []byte {
	p := aes.BlockSize - len(b)%aes.BlockSize
	for i := 0; i < p; i++ {
		b = append(b, byte(p))
	}
	return b
}

// unpad strips PKCS#7 padding from the final block.
func unpad(b []byte) ([]byte, error) {
	p := int(b[len(b)-1])
	if p == 0 || p > aes.BlockSize {
		return nil, errors.New("encryption: corrupt padding")
	}
	for _, c := range b[len(b)-p:] {
		if int(c) != p {
			return nil, errors.New("encryption: corrupt padding")
		}
	}
	return b[:len(b)-p], nil
}
