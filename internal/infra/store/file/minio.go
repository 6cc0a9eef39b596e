package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	mio "github.com/rapart/apkqueue/core/libs/minio"

	"github.com/minio/minio-go/v7"
)

type minioStore struct {
	db     *minio.Client
	bucket string
	prefix string
}

func NewMinIOStore(ctx context.Context, cfg mio.Config) (*minioStore, error) {
	mioClient, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &minioStore{
		db:     mioClient,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

func (s *minioStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	size int64,
) (int64, string, error) {
	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	default:
	}

	objectName, err := s.objectName(filename)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()
	putSize := size
	if putSize <= 0 {
		putSize = -1
	}

	info, err := s.db.PutObject(ctx, s.bucket, objectName, io.TeeReader(reader, hasher), putSize, minio.PutObjectOptions{
		ContentType: contentType(objectName),
	})
	if err != nil {
		return 0, "", fmt.Errorf("put object %s: %w", objectName, err)
	}

	return info.Size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *minioStore) objectName(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := path.Clean(filename)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}

	return s.prefix + strings.TrimLeft(clean, "/"), nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".apk":
		return "application/vnd.android.package-archive"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
