package drive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// aesBlockSize is the AES cipher block size. CBC chaining, padding,
	// and range widening all operate on this granularity.
	aesBlockSize = 16

	// keyHeaderKeyLen is the AES key length of a file's KeyHeader.
	keyHeaderKeyLen = 16

	// keyHeaderIVLen is the IV length of a file's KeyHeader.
	keyHeaderIVLen = 16

	// streamChunkSize is the plaintext chunk size used by the streaming
	// reader wrappers. Any multiple of the block size works; 64KB keeps
	// memory flat for large media payloads.
	streamChunkSize = 64 * 1024
)

// KeyHeader is the per-file symmetric secret: a 16-byte AES key and a
// 16-byte IV. It exists only in decrypted form in memory and is
// persisted solely as an EncryptedKeyHeader wrapped with the
// connection's shared secret.
type KeyHeader struct {
	IV     []byte
	AESKey []byte
}

// RandomKeyHeader generates fresh key material for one encrypted payload.
func RandomKeyHeader() (*KeyHeader, error) {
	iv, err := RandomIV()
	if err != nil {
		return nil, err
	}

	key := make([]byte, keyHeaderKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return &KeyHeader{IV: iv, AESKey: key}, nil
}

// RandomIV returns a fresh random 16-byte IV.
func RandomIV() ([]byte, error) {
	iv := make([]byte, keyHeaderIVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	return iv, nil
}

// WithIV returns a copy of the key header carrying a different IV.
// Updates re-randomize the IV but never the key, since each update may
// change payload boundaries and reusing an IV would break CBC semantic
// security for the new content.
func (kh *KeyHeader) WithIV(iv []byte) *KeyHeader {
	key := make([]byte, len(kh.AESKey))
	copy(key, kh.AESKey)

	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)

	return &KeyHeader{IV: ivCopy, AESKey: key}
}

// Zero overwrites the key material in place. Call after the last use to
// limit the window during which raw key bytes are accessible in memory.
func (kh *KeyHeader) Zero() {
	for i := range kh.AESKey {
		kh.AESKey[i] = 0
	}
	for i := range kh.IV {
		kh.IV[i] = 0
	}
}

// pkcs7Pad appends PKCS#7 padding, always adding at least one byte and
// a full block when len(data) is already block-aligned.
func pkcs7Pad(data []byte) []byte {
	padLen := aesBlockSize - len(data)%aesBlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)

	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	return padded
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aesBlockSize != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid padded length %d", len(data))}
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aesBlockSize || padLen > len(data) {
		return nil, &DecodeError{Reason: "invalid padding"}
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, &DecodeError{Reason: "invalid padding"}
		}
	}

	return data[:len(data)-padLen], nil
}

// newCBCBlock validates key material and returns the AES block cipher.
func newCBCBlock(key []byte) (cipher.Block, error) {
	if len(key) != keyHeaderKeyLen {
		return nil, &CryptoError{Reason: fmt.Sprintf("invalid key length %d, expected %d", len(key), keyHeaderKeyLen)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Reason: "creating AES cipher", Err: err}
	}

	return block, nil
}

// EncryptBlock encrypts a full buffer with AES-CBC and PKCS#7 padding.
func EncryptBlock(plain, key, iv []byte) ([]byte, error) {
	block, err := newCBCBlock(key)
	if err != nil {
		return nil, err
	}

	if len(iv) != aesBlockSize {
		return nil, &CryptoError{Reason: fmt.Sprintf("invalid IV length %d", len(iv))}
	}

	padded := pkcs7Pad(plain)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return out, nil
}

// DecryptBlock decrypts a full AES-CBC buffer and strips PKCS#7 padding.
func DecryptBlock(ciphertext, key, iv []byte) ([]byte, error) {
	plain, err := decryptBlockRaw(ciphertext, key, iv)
	if err != nil {
		return nil, err
	}

	return pkcs7Unpad(plain)
}

// decryptBlockRaw decrypts without padding validation. Range decryption
// uses this directly since a mid-file window carries no padding.
func decryptBlockRaw(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newCBCBlock(key)
	if err != nil {
		return nil, err
	}

	if len(iv) != aesBlockSize {
		return nil, &CryptoError{Reason: fmt.Sprintf("invalid IV length %d", len(iv))}
	}

	if len(ciphertext)%aesBlockSize != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("ciphertext length %d not block aligned", len(ciphertext))}
	}

	plain := make([]byte, len(ciphertext))
	if len(ciphertext) > 0 {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	}

	return plain, nil
}

// ChunkedEncrypter encrypts a payload chunk by chunk without buffering
// the whole stream. It is an explicit state machine: lastCipherBlock
// carries the CBC chain across chunk boundaries, so the concatenated
// output is byte-identical to a single-shot EncryptBlock of the full
// payload. Padding is emitted exactly once, on the final chunk.
//
// Every chunk except the final one must be a multiple of the block size.
type ChunkedEncrypter struct {
	block           cipher.Block
	lastCipherBlock []byte
	done            bool
}

// NewChunkedEncrypter starts a chunked encryption with the given key
// header. The header's IV seeds the CBC chain.
func NewChunkedEncrypter(kh *KeyHeader) (*ChunkedEncrypter, error) {
	block, err := newCBCBlock(kh.AESKey)
	if err != nil {
		return nil, err
	}

	if len(kh.IV) != aesBlockSize {
		return nil, &CryptoError{Reason: fmt.Sprintf("invalid IV length %d", len(kh.IV))}
	}

	iv := make([]byte, aesBlockSize)
	copy(iv, kh.IV)

	return &ChunkedEncrypter{block: block, lastCipherBlock: iv}, nil
}

// EncryptChunk encrypts one chunk. final marks the last chunk of the
// stream; only that chunk is padded, and no chunk may follow it.
func (e *ChunkedEncrypter) EncryptChunk(chunk []byte, final bool) ([]byte, error) {
	if e.done {
		return nil, errors.New("encrypt chunk after final chunk")
	}

	if !final && len(chunk)%aesBlockSize != 0 {
		return nil, &CryptoError{Reason: fmt.Sprintf("non-final chunk length %d not block aligned", len(chunk))}
	}

	if final {
		chunk = pkcs7Pad(chunk)
		e.done = true
	}

	out := make([]byte, len(chunk))
	if len(chunk) > 0 {
		cipher.NewCBCEncrypter(e.block, e.lastCipherBlock).CryptBlocks(out, chunk)
		e.lastCipherBlock = out[len(out)-aesBlockSize:]
	}

	return out, nil
}

// ChunkedDecrypter is the mirror state machine: it decrypts ciphertext
// chunk by chunk, carrying the previous chunk's last ciphertext block
// as the next IV. Padding is validated and stripped only on the final
// chunk.
type ChunkedDecrypter struct {
	block           cipher.Block
	lastCipherBlock []byte
	done            bool
}

// NewChunkedDecrypter starts a chunked decryption with the given key header.
func NewChunkedDecrypter(kh *KeyHeader) (*ChunkedDecrypter, error) {
	block, err := newCBCBlock(kh.AESKey)
	if err != nil {
		return nil, err
	}

	if len(kh.IV) != aesBlockSize {
		return nil, &CryptoError{Reason: fmt.Sprintf("invalid IV length %d", len(kh.IV))}
	}

	iv := make([]byte, aesBlockSize)
	copy(iv, kh.IV)

	return &ChunkedDecrypter{block: block, lastCipherBlock: iv}, nil
}

// DecryptChunk decrypts one ciphertext chunk. Ciphertext chunks are
// always block aligned; final strips the stream's trailing padding.
func (d *ChunkedDecrypter) DecryptChunk(chunk []byte, final bool) ([]byte, error) {
	if d.done {
		return nil, errors.New("decrypt chunk after final chunk")
	}

	if len(chunk)%aesBlockSize != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("ciphertext chunk length %d not block aligned", len(chunk))}
	}

	if final && len(chunk) == 0 {
		return nil, &DecodeError{Reason: "empty final ciphertext chunk"}
	}

	out := make([]byte, len(chunk))
	if len(chunk) > 0 {
		// Save the chain IV before decrypting: the next chunk's IV is
		// this chunk's last ciphertext block.
		nextIV := make([]byte, aesBlockSize)
		copy(nextIV, chunk[len(chunk)-aesBlockSize:])

		cipher.NewCBCDecrypter(d.block, d.lastCipherBlock).CryptBlocks(out, chunk)
		d.lastCipherBlock = nextIV
	}

	if final {
		d.done = true
		return pkcs7Unpad(out)
	}

	return out, nil
}

// EncryptingReader wraps a plaintext source and yields ciphertext.
// It reads the source in fixed-size chunks and keeps one chunk of
// lookahead so the final chunk is known at EOF and padded exactly once.
type EncryptingReader struct {
	src     io.Reader
	enc     *ChunkedEncrypter
	pending []byte
	primed  bool
	out     bytes.Buffer
	done    bool
}

// NewEncryptingReader streams AES-CBC encryption of src under kh.
func NewEncryptingReader(src io.Reader, kh *KeyHeader) (*EncryptingReader, error) {
	enc, err := NewChunkedEncrypter(kh)
	if err != nil {
		return nil, err
	}

	return &EncryptingReader{src: src, enc: enc}, nil
}

func (r *EncryptingReader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 && !r.done {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}

	if r.out.Len() > 0 {
		return r.out.Read(p)
	}

	return 0, io.EOF
}

// fill reads one chunk of lookahead and encrypts the pending chunk once
// the read settles whether it was the final one. A chunk is final only
// when the source is exhausted with nothing queued behind it.
func (r *EncryptingReader) fill() error {
	chunk := make([]byte, streamChunkSize)
	n, err := io.ReadFull(r.src, chunk)
	atEOF := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)

	if err != nil && !atEOF {
		return fmt.Errorf("reading plaintext: %w", err)
	}

	if !r.primed {
		r.pending = chunk[:n]
		r.primed = true

		if atEOF {
			return r.flush(nil, true)
		}

		return nil
	}

	if atEOF && n == 0 {
		return r.flush(nil, true)
	}

	// Pending is not final; the fresh chunk becomes the new pending.
	return r.flush(chunk[:n], false)
}

// flush emits the pending chunk and installs next as the new pending.
func (r *EncryptingReader) flush(next []byte, final bool) error {
	ct, err := r.enc.EncryptChunk(r.pending, final)
	if err != nil {
		return err
	}

	r.out.Write(ct)
	r.pending = next

	if final {
		r.done = true
	}

	return nil
}

// DecryptingReader wraps a ciphertext source and yields plaintext,
// mirroring EncryptingReader.
type DecryptingReader struct {
	src     io.Reader
	dec     *ChunkedDecrypter
	pending []byte
	primed  bool
	out     bytes.Buffer
	done    bool
}

// NewDecryptingReader streams AES-CBC decryption of src under kh.
func NewDecryptingReader(src io.Reader, kh *KeyHeader) (*DecryptingReader, error) {
	dec, err := NewChunkedDecrypter(kh)
	if err != nil {
		return nil, err
	}

	return &DecryptingReader{src: src, dec: dec}, nil
}

func (r *DecryptingReader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 && !r.done {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}

	if r.out.Len() > 0 {
		return r.out.Read(p)
	}

	return 0, io.EOF
}

func (r *DecryptingReader) fill() error {
	chunk := make([]byte, streamChunkSize)
	n, err := io.ReadFull(r.src, chunk)
	atEOF := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)

	if err != nil && !atEOF {
		return fmt.Errorf("reading ciphertext: %w", err)
	}

	if !r.primed {
		r.pending = chunk[:n]
		r.primed = true

		if atEOF {
			return r.flushDec(nil, true)
		}

		return nil
	}

	if atEOF && n == 0 {
		return r.flushDec(nil, true)
	}

	return r.flushDec(chunk[:n], false)
}

func (r *DecryptingReader) flushDec(next []byte, final bool) error {
	pt, err := r.dec.DecryptChunk(r.pending, final)
	if err != nil {
		return err
	}

	r.out.Write(pt)
	r.pending = next

	if final {
		r.done = true
	}

	return nil
}

// WidenRange widens a requested [start, end) byte range of the plaintext
// to the CBC window that must be fetched from the server. The start is
// lowered to the nearest block boundary minus one extra block, which
// supplies the IV for decryption at non-zero offsets; the end is raised
// to the next block boundary.
func WidenRange(start, end int64) (fetchStart, fetchEnd int64) {
	fetchStart = (start/aesBlockSize)*aesBlockSize - aesBlockSize
	if fetchStart < 0 {
		fetchStart = 0
	}

	fetchEnd = ((end + aesBlockSize - 1) / aesBlockSize) * aesBlockSize

	return fetchStart, fetchEnd
}

// DecryptRange decrypts a widened ciphertext window fetched at
// fetchStart and slices out exactly the originally requested
// [start, end) bytes. A window at offset zero decrypts under the key
// header's IV; any other window uses its own first ciphertext block as
// the IV and decrypts the remainder.
func DecryptRange(ciphertext []byte, kh *KeyHeader, fetchStart, start, end int64) ([]byte, error) {
	if start < fetchStart || end < start {
		return nil, &CryptoError{Reason: "requested range outside fetched window"}
	}

	var plain []byte
	var plainOffset int64

	if fetchStart == 0 {
		p, err := decryptBlockRaw(ciphertext, kh.AESKey, kh.IV)
		if err != nil {
			return nil, err
		}

		plain, plainOffset = p, 0
	} else {
		if len(ciphertext) < aesBlockSize {
			return nil, &DecodeError{Reason: "range window too short for lead-in block"}
		}

		p, err := decryptBlockRaw(ciphertext[aesBlockSize:], kh.AESKey, ciphertext[:aesBlockSize])
		if err != nil {
			return nil, err
		}

		plain, plainOffset = p, fetchStart+aesBlockSize
	}

	lo := start - plainOffset
	hi := end - plainOffset

	if lo < 0 || hi > int64(len(plain)) {
		return nil, &CryptoError{Reason: "requested range outside decrypted window"}
	}

	return plain[lo:hi], nil
}
