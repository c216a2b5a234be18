package file

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage provides an S3-compatible artifact store using MinIO.
// Artifacts are stored as <job id>/<file name> in a single bucket.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage creates a new Storage instance connected to the specified MinIO server.
// If the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// UploadFile uploads the file at localPath and returns its object URL.
// The object is named after the file and the directory that holds it.
func (s *Storage) UploadFile(ctx context.Context, localPath string) (string, error) {
	objectName := path.Join(filepath.Base(filepath.Dir(localPath)), filepath.Base(localPath))

	_, err := s.client.FPutObject(ctx, s.bucketName, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}

	return s.client.EndpointURL().JoinPath(s.bucketName, objectName).String(), nil
}

// GetSignedURL returns a time-limited download URL for an object previously
// returned by UploadFile.
func (s *Storage) GetSignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	objectName, err := objectFromRef(s.bucketName, ref)
	if err != nil {
		return "", err
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucketName, objectName, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to sign url: %w", err)
	}

	return u.String(), nil
}

// objectFromRef extracts the object name from an object URL of bucket. A ref
// that is not a URL is taken to be the object name itself.
func objectFromRef(bucket, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty object reference")
	}

	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		return strings.TrimPrefix(ref, "/"), nil
	}

	object := strings.TrimPrefix(u.Path, "/")
	object = strings.TrimPrefix(object, bucket+"/")
	if object == "" {
		return "", fmt.Errorf("no object in reference %q", ref)
	}

	return object, nil
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
