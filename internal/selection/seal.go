// ABOUTME: Seals and opens the API key map with NaCl secretbox
// ABOUTME: The box key is derived from the configured secret with HKDF-SHA256

package selection

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrOpenFailed is returned when a sealed value cannot be decrypted.
var ErrOpenFailed = errors.New("cannot open sealed value")

const nonceSize = 24

type sealer struct {
	key [32]byte
}

func newSealer(secret []byte) (*sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("selection secret is empty")
	}
	s := &sealer{}
	r := hkdf.New(sha256.New, secret, nil, []byte("chatgate selection api keys"))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return s, nil
}

func (s *sealer) seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *sealer) open(sealed string) ([]byte, error) {
	box, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: value too short", ErrOpenFailed)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}
