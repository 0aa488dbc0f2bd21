package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// envelopeVersion prefixes every ciphertext so the format can evolve.
const envelopeVersion byte = 1

// SharedKeyID is the key used for every tenant when isolation is disabled.
const SharedKeyID = "_shared"

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// KeyProvider encrypts backup payloads under a tenant key.
type KeyProvider interface {
	Encrypt(plaintext []byte, tenantKey string) ([]byte, error)
	Decrypt(ciphertext []byte, tenantKey string) ([]byte, error)
}

// TenantKeyProvider derives one AES-256-GCM key per tenant from a master key
// using HKDF, so tenants never share key material.
type TenantKeyProvider struct {
	masterKey []byte
	isolate   bool

	mu    sync.RWMutex
	cache map[string][]byte
}

// NewTenantKeyProvider creates a provider from a hex-encoded 32-byte master
// key. With isolate false every tenant maps to SharedKeyID.
func NewTenantKeyProvider(masterKeyHex string, isolate bool) (*TenantKeyProvider, error) {
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key hex: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	return &TenantKeyProvider{
		masterKey: masterKey,
		isolate:   isolate,
		cache:     make(map[string][]byte),
	}, nil
}

// GenerateMasterKeyHex creates a new random master key as hex string
func GenerateMasterKeyHex() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func (p *TenantKeyProvider) keyFor(tenant string) ([]byte, error) {
	if !p.isolate || tenant == "" {
		tenant = SharedKeyID
	}

	p.mu.RLock()
	key, ok := p.cache[tenant]
	p.mu.RUnlock()
	if ok {
		return key, nil
	}

	info := []byte("drkeeper-backup-key:v1:" + tenant)
	salt := sha256.Sum256([]byte("drkeeper-salt-v1"))
	key = make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, p.masterKey, salt[:], info), key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	p.mu.Lock()
	p.cache[tenant] = key
	p.mu.Unlock()
	return key, nil
}

func (p *TenantKeyProvider) gcm(tenant string) (cipher.AEAD, error) {
	key, err := p.keyFor(tenant)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt returns version || nonce || sealed payload.
func (p *TenantKeyProvider) Encrypt(plaintext []byte, tenantKey string) ([]byte, error) {
	gcm, err := p.gcm(tenantKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+gcm.NonceSize(), 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out[0] = envelopeVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(out, out[1:], plaintext, []byte(tenantKey)), nil
}

// Decrypt reverses Encrypt. The tenant key is bound as additional data, so a
// payload cannot be opened under another tenant's name.
func (p *TenantKeyProvider) Decrypt(ciphertext []byte, tenantKey string) ([]byte, error) {
	gcm, err := p.gcm(tenantKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 1+gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	if ciphertext[0] != envelopeVersion {
		return nil, fmt.Errorf("crypto: unsupported envelope version %d", ciphertext[0])
	}

	nonce := ciphertext[1 : 1+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[1+gcm.NonceSize():], []byte(tenantKey))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
