package drive

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

const (
	// keyHeaderEncryptionVersion tags the envelope format of an
	// EncryptedKeyHeader.
	keyHeaderEncryptionVersion = 1

	// keyHeaderType is the fixed type discriminant of a key-header
	// envelope on the wire.
	keyHeaderType = 11

	// encryptedKeyLen is the AES-CBC ciphertext length of the 32-byte
	// iv‖key block (two blocks of content plus one padding block).
	encryptedKeyLen = 48

	// encryptedKeyHeaderWireLen is the exact wire size of a shared-secret
	// encrypted key header: 16 (iv) + 48 (encrypted key block) + 4
	// (version). Any other length is a hard decode failure.
	encryptedKeyHeaderWireLen = keyHeaderIVLen + encryptedKeyLen + 4
)

// EncryptedKeyHeader is the only persisted form of a file's KeyHeader:
// the iv‖key block encrypted with the connection's shared secret under
// a per-request transfer IV.
type EncryptedKeyHeader struct {
	IV                []byte `json:"iv"`
	EncryptedAESKey   []byte `json:"encryptedAesKey"`
	EncryptionVersion int    `json:"encryptionVersion"`
	Type              int    `json:"type"`
}

// MaybeEncryptedKeyHeader is a tagged union over the two states a key
// header moves through. Exactly one field is set; DecryptKeyHeader is a
// total match over both, so "already decrypted" is an explicit state
// rather than a field-presence guess.
type MaybeEncryptedKeyHeader struct {
	Encrypted *EncryptedKeyHeader
	Decrypted *KeyHeader
}

// EncryptedHeader wraps an encrypted envelope into the union.
func EncryptedHeader(h *EncryptedKeyHeader) MaybeEncryptedKeyHeader {
	return MaybeEncryptedKeyHeader{Encrypted: h}
}

// DecryptedHeader wraps plaintext key material into the union.
func DecryptedHeader(kh *KeyHeader) MaybeEncryptedKeyHeader {
	return MaybeEncryptedKeyHeader{Decrypted: kh}
}

// EncryptKeyHeader wraps a KeyHeader for the wire: iv‖aesKey (32 bytes)
// encrypted with the shared secret under the given transfer IV, tagged
// with the envelope version and type discriminant.
func EncryptKeyHeader(kh *KeyHeader, transferIV, sharedSecret []byte) (*EncryptedKeyHeader, error) {
	if len(sharedSecret) == 0 {
		return nil, &CryptoError{Reason: "missing shared secret"}
	}

	if len(kh.IV) != keyHeaderIVLen || len(kh.AESKey) != keyHeaderKeyLen {
		return nil, &CryptoError{Reason: "malformed key header"}
	}

	combined := make([]byte, 0, keyHeaderIVLen+keyHeaderKeyLen)
	combined = append(combined, kh.IV...)
	combined = append(combined, kh.AESKey...)

	ct, err := EncryptBlock(combined, sharedSecret, transferIV)
	if err != nil {
		return nil, fmt.Errorf("encrypting key header: %w", err)
	}

	iv := make([]byte, len(transferIV))
	copy(iv, transferIV)

	return &EncryptedKeyHeader{
		IV:                iv,
		EncryptedAESKey:   ct,
		EncryptionVersion: keyHeaderEncryptionVersion,
		Type:              keyHeaderType,
	}, nil
}

// DecryptKeyHeader unwraps a key header. An already-decrypted value is
// returned unchanged, making the operation idempotent; an encrypted
// envelope is decrypted with the shared secret and split back into
// iv (first 16 bytes) and aesKey (last 16).
func DecryptKeyHeader(h MaybeEncryptedKeyHeader, sharedSecret []byte) (*KeyHeader, error) {
	if h.Decrypted != nil {
		return h.Decrypted, nil
	}

	if h.Encrypted == nil {
		return nil, &DecodeError{Reason: "empty key header union"}
	}

	if len(sharedSecret) == 0 {
		return nil, &DecodeError{Reason: "missing shared secret"}
	}

	plain, err := DecryptBlock(h.Encrypted.EncryptedAESKey, sharedSecret, h.Encrypted.IV)
	if err != nil {
		return nil, fmt.Errorf("decrypting key header: %w", err)
	}

	if len(plain) != keyHeaderIVLen+keyHeaderKeyLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("decrypted key header is %d bytes, expected %d", len(plain), keyHeaderIVLen+keyHeaderKeyLen)}
	}

	return &KeyHeader{
		IV:     plain[:keyHeaderIVLen],
		AESKey: plain[keyHeaderIVLen:],
	}, nil
}

// SplitSharedSecretEncryptedKeyHeader decodes the base64
// sharedsecretencryptedheader64 response header into its envelope
// parts. The decoded value must be exactly 68 bytes.
func SplitSharedSecretEncryptedKeyHeader(b64 string) (*EncryptedKeyHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 key header", Err: err}
	}

	if len(raw) != encryptedKeyHeaderWireLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("encrypted key header is %d bytes, expected %d", len(raw), encryptedKeyHeaderWireLen)}
	}

	return &EncryptedKeyHeader{
		IV:                raw[:keyHeaderIVLen],
		EncryptedAESKey:   raw[keyHeaderIVLen : keyHeaderIVLen+encryptedKeyLen],
		EncryptionVersion: int(binary.LittleEndian.Uint32(raw[keyHeaderIVLen+encryptedKeyLen:])),
		Type:              keyHeaderType,
	}, nil
}
