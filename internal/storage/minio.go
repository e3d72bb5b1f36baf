package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/transferbox/internal/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioClient is the MinIO-backed BlobStore
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, log logging.Logger) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	if err := ensureBucket(ctx, client, bucketName, log); err != nil {
		return nil, err
	}

	return &MinioClient{client: client, bucketName: bucketName}, nil
}

// bucketAPI is the part of *minio.Client used to bootstrap the bucket
type bucketAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

func ensureBucket(ctx context.Context, api bucketAPI, bucketName string, log logging.Logger) error {
	exists, err := api.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	log.Info(ctx, "creating bucket", "bucket", bucketName)
	if err := api.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Put streams r into a new object
func (mc *MinioClient) Put(ctx context.Context, r io.Reader, size int64, contentType, originalName string) (string, error) {
	key := NewObjectKey(originalName)
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_hint", size),
		),
	)
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := mc.client.PutObject(ctx, mc.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	return key, nil
}

// Get opens a read stream for key. MinIO defers the request until the first
// Read, so not-found can surface there as well.
func (mc *MinioClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	_, span := tracer.Start(ctx, "minio.get_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, translateMinioError(key, err)
	}
	return &minioObject{Object: object, key: key}, nil
}

// Delete removes a single object
func (mc *MinioClient) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// DeleteMany removes keys in a single bulk request
func (mc *MinioClient) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "minio.delete_objects",
		trace.WithAttributes(attribute.Int("object_count", len(keys))),
	)
	defer span.End()

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: k}
	}
	close(objects)

	var errs []error
	for rerr := range mc.client.RemoveObjects(ctx, mc.bucketName, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("delete %s: %w", rerr.ObjectName, rerr.Err))
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetAttributes(attribute.Int("failed_count", len(errs)))
		return err
	}
	return nil
}

type minioObject struct {
	*minio.Object
	key string
}

func (o *minioObject) Read(p []byte) (int, error) {
	n, err := o.Object.Read(p)
	if err != nil && err != io.EOF {
		return n, translateMinioError(o.key, err)
	}
	return n, err
}

func translateMinioError(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("failed to read object %s: %w", key, err)
}
