package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const defaultMaxUploadBytes = 50 * 1024 * 1024

// DiskUploaderConfig configures DiskUploader.
type DiskUploaderConfig struct {
	StoragePath  string // base directory for stored blobs
	MaxSizeBytes int64  // default: 50MB
	Logger       *slog.Logger
}

// DiskUploader stores blobs under a local directory and returns file:// URLs.
type DiskUploader struct {
	storagePath  string
	maxSizeBytes int64
	logger       *slog.Logger
}

// NewDiskUploader creates the storage directory if needed.
func NewDiskUploader(cfg DiskUploaderConfig) (*DiskUploader, error) {
	storage := cfg.StoragePath
	if storage == "" {
		home, _ := os.UserHomeDir()
		storage = filepath.Join(home, ".teamchat", "uploads")
	}
	if err := os.MkdirAll(storage, 0o755); err != nil {
		return nil, fmt.Errorf("create upload storage: %w", err)
	}
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxUploadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskUploader{storagePath: storage, maxSizeBytes: maxSize, logger: logger}, nil
}

// Upload copies f.Body to disk. Oversized blobs are removed and rejected.
func (u *DiskUploader) Upload(ctx context.Context, f File) (string, error) {
	if f.Body == nil {
		return "", fmt.Errorf("upload %s: empty body", f.Name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	storagePath := filepath.Join(u.storagePath, uuid.NewString()+filepath.Ext(f.Name))
	out, err := os.Create(storagePath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}

	written, err := io.Copy(out, io.LimitReader(f.Body, u.maxSizeBytes+1))
	out.Close()
	if err != nil {
		os.Remove(storagePath)
		return "", fmt.Errorf("write file: %w", err)
	}
	if written > u.maxSizeBytes {
		os.Remove(storagePath)
		return "", fmt.Errorf("file too large: %d bytes (max: %d)", written, u.maxSizeBytes)
	}

	u.logger.Info("file stored", "name", f.Name, "mime", f.MimeType, "size", written, "path", storagePath)
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(storagePath)}).String(), nil
}
