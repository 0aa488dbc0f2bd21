// Package backup produces, replicates, validates and expires backup
// artifacts.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/crypto"
	"github.com/FairForge/drkeeper/internal/storage"
	"github.com/klauspost/compress/zstd"
)

// AlertSink receives alerts. *alerting.Dispatcher satisfies it.
type AlertSink interface {
	Dispatch(ctx context.Context, alert alerting.Alert)
}

// Location is where a region keeps its artifacts.
type Location struct {
	Store  storage.ObjectStore
	Bucket string
}

// Locations maps region IDs to their object storage.
type Locations map[string]Location

// Checksum is the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sealer compresses and, when a key provider is set, encrypts payloads.
type Sealer struct {
	keys    crypto.KeyProvider
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSealer creates a sealer. A nil keys disables encryption.
func NewSealer(keys crypto.KeyProvider) (*Sealer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Sealer{keys: keys, encoder: enc, decoder: dec}, nil
}

// Encrypts reports whether Seal encrypts.
func (s *Sealer) Encrypts() bool {
	return s.keys != nil
}

// Seal compresses data and encrypts it under the tenant key.
func (s *Sealer) Seal(data []byte, tenant string) ([]byte, error) {
	out := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if s.keys == nil {
		return out, nil
	}
	sealed, err := s.keys.Encrypt(out, tenant)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return sealed, nil
}

// Open reverses Seal.
func (s *Sealer) Open(data []byte, tenant string) ([]byte, error) {
	if s.keys != nil {
		plain, err := s.keys.Decrypt(data, tenant)
		if err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
		data = plain
	}
	out, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

func objectKey(tenant, name, id string, at time.Time, ext string) string {
	return fmt.Sprintf("%s/%s/%s-%s.%s", tenant, name, at.UTC().Format("20060102T150405Z"), id[:8], ext)
}
