package minio

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/config"
)

// ContentStore is the object storage boundary of the pipeline. Objects are
// addressed by path only; credentials never travel in job payloads.
type ContentStore interface {
	Put(ctx context.Context, filePathName string, content []byte, fileMimeType string) error
	Get(ctx context.Context, filePathName string) ([]byte, error)
	Remove(ctx context.Context, filePathName string) error
}

// Minio implements ContentStore on a MinIO bucket.
type Minio struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewMinioClientAndInitBucket connects to MinIO and creates the configured
// bucket if it does not exist yet.
func NewMinioClientAndInitBucket(ctx context.Context, cfg *config.MinioConfig, log *zap.Logger) (*Minio, error) {
	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.RootUser, cfg.RootPwd, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		log.Error("cannot connect to minio",
			zap.String("host:port", cfg.Host+":"+cfg.Port),
			zap.String("user", cfg.RootUser),
			zap.Error(err))
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
			// Another process may have created it in between.
			exists, errBucketExists := client.BucketExists(ctx, cfg.BucketName)
			if errBucketExists != nil || !exists {
				log.Error("cannot create bucket", zap.String("bucket", cfg.BucketName), zap.Error(err))
				return nil, err
			}
		} else {
			log.Info("Successfully created bucket", zap.String("bucket", cfg.BucketName))
		}
	}
	return &Minio{client: client, bucket: cfg.BucketName, log: log}, nil
}

// Put uploads the content to MinIO under filePathName.
func (m *Minio) Put(ctx context.Context, filePathName string, content []byte, fileMimeType string) error {
	contentReader := bytes.NewReader(content)
	size := int64(len(content))
	_, err := m.client.PutObject(ctx, m.bucket, filePathName, contentReader, size,
		minio.PutObjectOptions{ContentType: fileMimeType})
	if err != nil {
		m.log.Error("Failed to upload file to MinIO", zap.String("path", filePathName), zap.Error(err))
		return err
	}
	return nil
}

// Get downloads the object stored under filePathName.
func (m *Minio) Get(ctx context.Context, filePathName string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.bucket, filePathName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()
	return io.ReadAll(object)
}

// Remove deletes the object stored under filePathName.
func (m *Minio) Remove(ctx context.Context, filePathName string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, filePathName, minio.RemoveObjectOptions{}); err != nil {
		m.log.Error("Failed to delete file from MinIO", zap.String("path", filePathName), zap.Error(err))
		return err
	}
	return nil
}
