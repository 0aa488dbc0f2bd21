// Package storage holds the per-region object store adapters backups are
// written to and replicated between.
package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by Get for a missing key.
var ErrObjectNotFound = errors.New("storage: object not found")

// PutOptions carries server-side encryption and metadata for an upload.
type PutOptions struct {
	ServerSideEncryption bool
	KMSKeyID             string
	Metadata             map[string]string
}

// ObjectStore is one region's blob storage.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}
