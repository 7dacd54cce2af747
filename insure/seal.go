package insure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// sealPrefix marks a header value as encrypted-at-rest. The version tag
// leaves room to rotate the scheme without guessing at old rows.
const sealPrefix = "enc:v1:"

var defaultSensitiveHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// Sealer encrypts sensitive header values before they reach disk and
// decrypts them when a row is loaded for dispatch. The engine treats
// sealed values opaquely; only the store boundary seals and unseals.
//
// AES-256-GCM with a random nonce per value. The key is supplied by
// configuration as 32 raw bytes.
type Sealer struct {
	aead      cipher.AEAD
	sensitive map[string]bool
}

// DecodeSealKey decodes the hex-encoded seal key carried in
// configuration into the 32 raw bytes NewSealer expects.
func DecodeSealKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("seal key is not valid hex: %w", err)
	}
	return key, nil
}

// NewSealer builds a Sealer for the given 32-byte key. headerNames
// lists the headers to seal; nil selects Authorization, Cookie and
// Proxy-Authorization.
func NewSealer(key []byte, headerNames []string) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if headerNames == nil {
		headerNames = defaultSensitiveHeaders
	}
	sensitive := make(map[string]bool, len(headerNames))
	for _, n := range headerNames {
		sensitive[strings.ToLower(n)] = true
	}
	return &Sealer{aead: aead, sensitive: sensitive}, nil
}

// SealHeaders returns a copy of h with sensitive values sealed. Values
// already carrying the seal prefix are left alone, so re-saving a
// loaded-but-not-unsealed row does not double-encrypt.
func (s *Sealer) SealHeaders(h map[string][]string) (map[string][]string, error) {
	if h == nil {
		return nil, nil
	}
	out := make(map[string][]string, len(h))
	for name, vals := range h {
		if !s.sensitive[strings.ToLower(name)] {
			out[name] = vals
			continue
		}
		sealed := make([]string, len(vals))
		for i, v := range vals {
			if strings.HasPrefix(v, sealPrefix) {
				sealed[i] = v
				continue
			}
			sealed[i] = s.seal(v)
		}
		out[name] = sealed
	}
	return out, nil
}

// UnsealHeaders returns a copy of h with sealed values decrypted.
func (s *Sealer) UnsealHeaders(h map[string][]string) (map[string][]string, error) {
	if h == nil {
		return nil, nil
	}
	out := make(map[string][]string, len(h))
	for name, vals := range h {
		plain := make([]string, len(vals))
		for i, v := range vals {
			if !strings.HasPrefix(v, sealPrefix) {
				plain[i] = v
				continue
			}
			p, err := s.unseal(v)
			if err != nil {
				return nil, fmt.Errorf("unseal header %s: %w", name, err)
			}
			plain[i] = p
		}
		out[name] = plain
	}
	return out, nil
}

func (s *Sealer) seal(plain string) string {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failing means the process has no usable entropy
		// source; nothing sensible can continue.
		panic(err)
	}
	ct := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(ct)
}

func (s *Sealer) unseal(v string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, sealPrefix))
	if err != nil {
		return "", err
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
