package export

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore blob storage holding exported evidence packages
type ObjectStore interface {
	/*
		PutObject store one object

			@param ctx context.Context - execution context
			@param key string - object key
			@param data []byte - object content
			@param contentType string - object content type
			@returns stored size
	*/
	PutObject(ctx context.Context, key string, data []byte, contentType string) (int64, error)

	/*
		GetObject read back one object

			@param ctx context.Context - execution context
			@param key string - object key
			@returns object content
	*/
	GetObject(ctx context.Context, key string) ([]byte, error)

	// Location URI of an object within this store
	Location(key string) string
}

// MinioConfig S3 compatible object store connection parameters
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT" validate:"required"`
	AccessKey string `yaml:"accessKey" env:"ACCESS_KEY" validate:"required"`
	SecretKey string `yaml:"secretKey" env:"SECRET_KEY" validate:"required"`
	Bucket    string `yaml:"bucket" env:"BUCKET" validate:"required"`
	UseSSL    bool   `yaml:"useSSL" env:"USE_SSL"`
}

// minioObjectStore implements ObjectStore on an S3 compatible bucket
type minioObjectStore struct {
	goutils.Component
	client *minio.Client
	bucket string
}

/*
NewMinioObjectStore connect to an S3 compatible object store. The bucket is created when missing.

	@param ctx context.Context - execution context
	@param cfg MinioConfig - connection parameters
	@returns object store
*/
func NewMinioObjectStore(ctx context.Context, cfg MinioConfig) (ObjectStore, error) {
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: object store config is invalid [%w]", models.ErrValidation, err)
	}

	logTags := log.Fields{
		"package": "sigchain", "module": "export", "component": "object-store", "bucket": cfg.Bucket,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to define object store client for %s [%w]", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket '%s' [%w]", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket '%s' [%w]", cfg.Bucket, err)
		}
		log.WithFields(logTags).Info("Created evidence bucket")
	}

	return &minioObjectStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (s *minioObjectStore) PutObject(
	ctx context.Context, key string, data []byte, contentType string,
) (int64, error) {
	info, err := s.client.PutObject(
		ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to store object %s [%w]", key, err)
	}
	return info.Size, nil
}

func (s *minioObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object %s [%w]", key, err)
	}
	defer func() {
		if err := obj.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).WithField("key", key).Error("Object close failure")
		}
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s [%w]", key, err)
	}
	return data, nil
}

func (s *minioObjectStore) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}
