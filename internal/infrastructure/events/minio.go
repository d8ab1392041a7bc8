package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"verifactu/internal/domain/invoice"
)

// ObjectStore is the part of *minio.Client used by Archive.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// MinioConfig holds object storage connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// NewMinioClient connects to an S3-compatible endpoint.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// Archive stores the latest snapshot of every numbered document as
// <series>/<seq>.json. A cancellation overwrites the issued snapshot.
type Archive struct {
	client ObjectStore
	bucket string
}

// NewArchive creates an archive sink writing to bucket.
func NewArchive(client ObjectStore, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// Name implements Sink.
func (a *Archive) Name() string { return "minio:" + a.bucket }

// EnsureBucket creates the bucket when it does not exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	found, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if found {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectName returns the archive key of a numbered document.
func ObjectName(number invoice.SeriesNumber) string {
	return fmt.Sprintf("%s/%d.json", number.Code, number.Seq)
}

// Deliver implements Sink. Events without a numbered document are ignored.
func (a *Archive) Deliver(ctx context.Context, event invoice.Event) error {
	doc := event.Document
	if doc == nil || doc.Series == nil {
		return nil
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(*doc.Series), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"event":  event.Type,
				"status": string(doc.Status),
				"hash":   doc.HashSelf(),
			},
		})
	if err != nil {
		return fmt.Errorf("put %s: %w", ObjectName(*doc.Series), err)
	}
	return nil
}
