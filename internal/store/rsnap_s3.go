package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3RsnapArchiver archives Release/InRelease snapshots (§4.1 special
// case) to an S3-compatible bucket instead of the local _xstore/rsnap
// tree. Unlike the main body/head store, snapshots are write-once and
// never reopened by a live reader, so they don't need the rename-dance
// crash-safety contract the filesystem Store provides; a plain
// conditional PutObject is sufficient.
type S3RsnapArchiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3RsnapArchiver builds an archiver against an S3-compatible bucket.
// Credentials, region, and endpoint are resolved via the standard AWS SDK
// default credential chain (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL, instance profiles, etc).
func NewS3RsnapArchiver(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*S3RsnapArchiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}
	return &S3RsnapArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

// Archive uploads data under <prefix>rsnap/<dir>/<inode><mtime>, skipping
// the upload if an object already exists at that key (a Release snapshot
// for a given inode/mtime pair is immutable once written).
func (a *S3RsnapArchiver) Archive(dir string, inode uint64, mtime time.Time, data io.Reader) error {
	ctx := context.Background()
	key := a.prefix + "rsnap/" + strings.TrimPrefix(dir, "/") + "/" +
		strconv.FormatUint(inode, 10) + strconv.FormatInt(mtime.Unix(), 10) + strconv.FormatInt(int64(mtime.Nanosecond()), 10)

	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil // already archived
	}

	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("buffering rsnap upload body: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return fmt.Errorf("uploading rsnap snapshot to s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
