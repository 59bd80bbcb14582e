package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chronosdb/chronos"
)

// Connect builds an S3 client for the given spaces connection. MinIO and
// other S3-compatible endpoints need path-style addressing.
func Connect(conn chronos.SpacesConn) *s3.Client {
	client := s3.NewFromConfig(aws.Config{Region: conn.Region}, func(o *s3.Options) {
		if conn.Endpoint != "" {
			o.BaseEndpoint = aws.String(conn.Endpoint)
		}
		o.UsePathStyle = conn.ForcePathStyle
		o.Credentials = credentials.NewStaticCredentialsProvider(conn.AccessKey, conn.SecretKey, "")
	})
	return client
}

// S3Store implements Store over an S3-compatible object store.
type S3Store struct {
	Client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Store wraps an S3 client as a Store.
func NewS3Store(client *s3.Client) *S3Store {
	return &S3Store{
		Client:  client,
		presign: s3.NewPresignClient(client),
	}
}

// PutJSON marshals obj and writes it with content type application/json.
func (s *S3Store) PutJSON(ctx context.Context, bucket string, key string, obj any) (PutResult, error) {
	ba, err := json.Marshal(obj)
	if err != nil {
		return PutResult{}, chronos.Errorf(chronos.ErrValidation, "marshaling %s/%s, details: %v", bucket, key, err)
	}
	return s.PutRaw(ctx, bucket, key, ba, "application/json")
}

// PutRaw writes data and returns its size and sha256 content hash.
func (s *S3Store) PutRaw(ctx context.Context, bucket string, key string, data []byte, contentType string) (PutResult, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return PutResult{}, chronos.Errorf(chronos.ErrStorage, "put %s/%s, details: %v", bucket, key, err)
	}
	sum := sha256.Sum256(data)
	return PutResult{Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, nil
}

// Get reads the full object body.
func (s *S3Store) Get(ctx context.Context, bucket string, key string) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, chronos.Errorf(chronos.ErrNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, chronos.Errorf(chronos.ErrStorage, "get %s/%s, details: %v", bucket, key, err)
	}
	defer out.Body.Close()
	ba, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "reading %s/%s, details: %v", bucket, key, err)
	}
	return ba, nil
}

// Head returns object metadata; a missing object is a NotFound-tagged error.
func (s *S3Store) Head(ctx context.Context, bucket string, key string) (HeadInfo, error) {
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return HeadInfo{}, chronos.Errorf(chronos.ErrNotFound, "object %s/%s not found", bucket, key)
		}
		return HeadInfo{}, chronos.Errorf(chronos.ErrStorage, "head %s/%s, details: %v", bucket, key, err)
	}
	hi := HeadInfo{
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		LastModified:  aws.ToTime(out.LastModified),
		ETag:          aws.ToString(out.ETag),
		Metadata:      out.Metadata,
	}
	return hi, nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, bucket string, key string) error {
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "delete %s/%s, details: %v", bucket, key, err)
	}
	return nil
}

// List pages the keys under prefix.
func (s *S3Store) List(ctx context.Context, bucket string, prefix string, opts ListOptions) (ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if opts.MaxKeys > 0 {
		in.MaxKeys = aws.Int32(opts.MaxKeys)
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}
	out, err := s.Client.ListObjectsV2(ctx, in)
	if err != nil {
		return ListResult{}, chronos.Errorf(chronos.ErrStorage, "list %s/%s, details: %v", bucket, prefix, err)
	}
	r := ListResult{Keys: make([]string, 0, len(out.Contents))}
	for _, o := range out.Contents {
		r.Keys = append(r.Keys, aws.ToString(o.Key))
	}
	if aws.ToBool(out.IsTruncated) {
		r.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return r, nil
}

// PresignGet returns a time-limited GET URL for the object.
func (s *S3Store) PresignGet(ctx context.Context, bucket string, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", chronos.Errorf(chronos.ErrStorage, "presign %s/%s, details: %v", bucket, key, err)
	}
	return req.URL, nil
}

// Copy performs a server-side object copy.
func (s *S3Store) Copy(ctx context.Context, srcBucket string, srcKey string, dstBucket string, dstKey string) error {
	_, err := s.Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(srcBucket + "/" + srcKey)),
	})
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "copy %s/%s to %s/%s, details: %v", srcBucket, srcKey, dstBucket, dstKey, err)
	}
	return nil
}
