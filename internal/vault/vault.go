package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Vault encrypts and decrypts secret values with AES-256-GCM under a
// passphrase-derived key. It backs the secrets table in the store and
// the secret:NAME reference resolution in agent definitions.
type Vault struct {
	key [32]byte
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt
// is deterministic (SHA-256 of the passphrase), so the same passphrase
// always produces the same key across restarts.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Encrypt seals plaintext with a random nonce. Both ciphertext and
// nonce must be stored to decrypt later.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. A wrong key or tampered
// ciphertext fails authentication.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString is Encrypt for string values.
func (v *Vault) EncryptString(plaintext string) (ciphertext, nonce []byte, err error) {
	return v.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string values.
func (v *Vault) DecryptString(ciphertext, nonce []byte) (string, error) {
	plaintext, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
