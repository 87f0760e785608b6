package xform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrAuth indicates a MAC mismatch during decryption or authentication.
var ErrAuth = errors.New("authentication failed")

// CryptParams carries the key material and per-block parameters for one
// encryption or decryption call. Salt is bound into the authenticated data
// so a block cannot be replayed under another identity.
type CryptParams struct {
	Key  []byte // 32 bytes, AES-256
	Salt [8]byte
	IV   [12]byte
}

// NewSaltIV fills params with fresh random salt and IV.
func (p *CryptParams) NewSaltIV() error {
	if _, err := rand.Read(p.Salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(p.IV[:]); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}
	return nil
}

func gcmFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts buf in one shot, returning the ciphertext (same length
// as buf) and the 16-byte MAC.
func Encrypt(p *CryptParams, buf []byte) ([]byte, [16]byte, error) {
	var mac [16]byte
	gcm, err := gcmFor(p.Key)
	if err != nil {
		return nil, mac, err
	}
	sealed := gcm.Seal(nil, p.IV[:], buf, p.Salt[:])
	ct := sealed[:len(buf)]
	copy(mac[:], sealed[len(buf):])
	return ct, mac, nil
}

// Decrypt reverses Encrypt, verifying the MAC. A mismatch returns ErrAuth.
func Decrypt(p *CryptParams, buf []byte, mac [16]byte) ([]byte, error) {
	gcm, err := gcmFor(p.Key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(buf)+len(mac))
	sealed = append(sealed, buf...)
	sealed = append(sealed, mac[:]...)
	pt, err := gcm.Open(nil, p.IV[:], sealed, p.Salt[:])
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}

// MAC authenticates buf without encrypting it. Used for blocks that carry
// plaintext (indirect blocks MAC their child MACs rather than the data).
func MAC(p *CryptParams, buf []byte) ([16]byte, error) {
	var mac [16]byte
	gcm, err := gcmFor(p.Key)
	if err != nil {
		return mac, err
	}
	tag := gcm.Seal(nil, p.IV[:], nil, buf)
	copy(mac[:], tag)
	return mac, nil
}

// VerifyMAC recomputes the authentication tag over buf and compares.
func VerifyMAC(p *CryptParams, buf []byte, mac [16]byte) error {
	got, err := MAC(p, buf)
	if err != nil {
		return err
	}
	if got != mac {
		return ErrAuth
	}
	return nil
}
