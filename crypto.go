package mccache

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/fernet/fernet-go"
)

// cipher wraps a symmetric Fernet key for payload encryption. Fernet
// already bundles a random IV and an HMAC authentication tag into its
// token format, so misdecryption — wrong key, corrupted ciphertext, or
// a tampered token — is detected for free and surfaces as
// ErrBadDecrypt, treating it as just another corrupt message.
type cipher struct {
	key *fernet.Key
}

// newCipher builds a cipher from an operator-supplied key string. The
// key may be a standard 32-byte urlsafe-base64 Fernet key, or any
// other string, which is stretched into one by hashing — this keeps
// the crypto-key config knob ergonomic (operators can set any
// passphrase) while still handing Fernet a key of the shape it expects.
func newCipher(raw string) (*cipher, error) {
	if raw == "" {
		return nil, nil
	}
	k, err := fernet.DecodeKey(raw)
	if err != nil {
		k = deriveFernetKey(raw)
	}
	return &cipher{key: k}, nil
}

func deriveFernetKey(raw string) *fernet.Key {
	sum := sha256.Sum256([]byte(raw))
	var k fernet.Key
	copy(k[:], sum[:])
	return &k
}

func (c *cipher) encrypt(plain []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plain, c.key)
	if err != nil {
		return nil, err
	}
	// Fernet tokens are already URL-safe base64 text; re-decode to raw
	// bytes so the wire payload stays binary-length-accurate for the
	// fragmentation math in wire.go.
	return base64.RawURLEncoding.DecodeString(strip(tok))
}

func (c *cipher) decrypt(ciphertext []byte) ([]byte, error) {
	// encrypt stored the token with its base64 padding stripped to keep
	// the wire payload length-accurate; restore it here with the padded
	// encoding, since the token format requires it.
	tok := []byte(base64.URLEncoding.EncodeToString(ciphertext))
	plain := fernet.VerifyAndDecrypt(tok, time.Duration(0), []*fernet.Key{c.key})
	if plain == nil {
		return nil, ErrBadDecrypt
	}
	return plain, nil
}

func strip(tok []byte) string {
	s := string(tok)
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}
