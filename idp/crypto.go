package idp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidEncryptionKey = errors.New("encryption key must be 32 bytes for AES-256")
	ErrInvalidCiphertext    = errors.New("invalid ciphertext")
)

const refreshTokenPrefix = "ALRT_"

type CryptoService struct {
	encryptionKey []byte
	hashCost      int
}

// NewCryptoService creates a new crypto service with the provided encryption key.
// The key must be exactly 32 bytes for AES-256. A zero hashCost uses bcrypt's default.
func NewCryptoService(encryptionKey string, hashCost int) (*CryptoService, error) {
	key := []byte(encryptionKey)
	if len(key) != 32 {
		return nil, ErrInvalidEncryptionKey
	}
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}

	return &CryptoService{
		encryptionKey: key,
		hashCost:      hashCost,
	}, nil
}

// Seal encrypts plaintext using AES-256-GCM.
// Returns URL-safe base64 ciphertext with nonce prepended.
func (cs *CryptoService) Seal(plaintext []byte) (string, error) {
	gcm, err := cs.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

func (cs *CryptoService) Open(ciphertext string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := cs.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherbytes := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherbytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func (cs *CryptoService) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(cs.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// HashToken creates a bcrypt hash of a token for secure storage.
func (cs *CryptoService) HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cs.hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

func (cs *CryptoService) VerifyTokenHash(token, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	return err == nil
}

// Digest is a stable fingerprint used to remember consumed credentials.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type RefreshTokenParts struct {
	ID  string // Token ID
	Key string // Token Key
}

func GenerateRefreshToken() (fullToken string, parts *RefreshTokenParts, err error) {
	idBytes := make([]byte, 32)
	if _, err := rand.Read(idBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate token ID: %w", err)
	}

	keyBytes := make([]byte, 48)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate token key: %w", err)
	}

	id := base64.RawURLEncoding.EncodeToString(idBytes)
	key := base64.RawURLEncoding.EncodeToString(keyBytes)

	fullToken = refreshTokenPrefix + id + "." + key

	return fullToken, &RefreshTokenParts{
		ID:  id,
		Key: key,
	}, nil
}

func ParseRefreshToken(token string) (*RefreshTokenParts, error) {
	body, ok := strings.CutPrefix(token, refreshTokenPrefix)
	if !ok {
		return nil, errors.New("invalid token format: missing " + refreshTokenPrefix + " prefix")
	}

	id, key, ok := strings.Cut(body, ".")
	if !ok {
		return nil, errors.New("invalid token format: missing separator")
	}
	if id == "" || key == "" {
		return nil, errors.New("invalid token format: empty ID or Key")
	}

	return &RefreshTokenParts{
		ID:  id,
		Key: key,
	}, nil
}
