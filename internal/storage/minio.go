package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	DefaultRegion = "us-east-1"
	MaxImageSize  = 10 << 20
)

// URLExpiry must outlive the provider queue, which fetches the image only
// when the job starts.
const URLExpiry = 24 * time.Hour

var ErrUnsupportedImage = errors.New("unsupported image type")

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// ImageStore keeps image-to-video source images in an S3 compatible bucket
// and hands out presigned URLs for them.
type ImageStore struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func New(endpoint, accessKey, secretKey, bucket string, secure bool) (*ImageStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: DefaultRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Minio client: %w", err)
	}
	return &ImageStore{client: client, bucket: bucket, now: time.Now}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *ImageStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: DefaultRegion}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	zap.L().Info("created image bucket", zap.String("bucket", s.bucket))
	return nil
}

// PutImage uploads an image and returns a URL the provider can fetch.
func (s *ImageStore) PutImage(ctx context.Context, userID, name string, r io.Reader, size int64, contentType string) (string, error) {
	ext, ok := extensions[strings.ToLower(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, contentType)
	}
	if size > MaxImageSize {
		return "", fmt.Errorf("image is %d bytes, limit is %d", size, MaxImageSize)
	}

	key := s.ObjectKey(userID, name, ext)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.URL(ctx, key)
}

func (s *ImageStore) URL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, URLExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// ObjectKey places uploads under uploads/<user>/<date>/ with a random
// suffix so repeated names never collide.
func (s *ImageStore) ObjectKey(userID, name, ext string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if base == "" || base == "." || base == "/" {
		base = "image"
	}
	return fmt.Sprintf("uploads/%s/%s/%s-%s%s", userID, s.now().UTC().Format("2006-01-02"), base, uuid.NewString()[:8], ext)
}
