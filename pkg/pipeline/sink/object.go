package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
}

// ObjectPutter is the part of *minio.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Object writes each batch as one JSON-lines object.
type Object struct {
	cfg    ObjectConfig
	client ObjectPutter
	now    func() time.Time
}

// NewObject connects to an S3-compatible store and makes sure the bucket exists.
func NewObject(ctx context.Context, cfg ObjectConfig) (*Object, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, errors.New("object sink requires endpoint, accessKey, secretKey and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return NewObjectWithClient(cfg, client), nil
}

// NewObjectWithClient builds the sink over an existing client.
func NewObjectWithClient(cfg ObjectConfig, client ObjectPutter) *Object {
	return &Object{cfg: cfg, client: client, now: time.Now}
}

func (o *Object) Write(ctx context.Context, rows []core.Output) error {
	if len(rows) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row.Map()); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	key := o.key()
	size := int64(buf.Len())
	_, err := o.client.PutObject(ctx, o.cfg.Bucket, key, &buf, size, minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", o.cfg.Bucket, key, err)
	}
	return nil
}

// key is <prefix>/<yyyy>/<mm>/<dd>/<uuid>.jsonl.
func (o *Object) key() string {
	day := o.now().UTC().Format("2006/01/02")
	return path.Join(strings.Trim(o.cfg.Prefix, "/"), day, uuid.NewString()+".jsonl")
}

func (o *Object) Close() error { return nil }
