// Package blob exposes the report artifact store and selects a backend from
// the environment. Callers depend on blob.Store, never on the infra packages.
package blob

import (
	"context"
	"fmt"
	"os"

	"stancore/internal/blob/core"
	"stancore/internal/infra/blob/fs"
	"stancore/internal/infra/blob/memory"
	"stancore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the blob backend contract.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = s3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
)

// Open selects a backend from the environment:
//
//	STANCORE_BLOB_DRIVER   fs|s3|memory (default fs)
//	STANCORE_BLOB_FS_ROOT  root directory for fs (default ./blobdata)
//
// The s3 driver reads its settings through s3.ConfigFromEnv.
func Open(ctx context.Context) (Store, error) {
	driver := Driver(os.Getenv("STANCORE_BLOB_DRIVER"))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("STANCORE_BLOB_FS_ROOT"))
	case DriverS3:
		cfg, err := s3.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return NewS3(ctx, cfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}

// NewFilesystem returns a store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memory.New() }

// NewS3 returns a store on the configured bucket.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return s3.New(ctx, cfg)
}
