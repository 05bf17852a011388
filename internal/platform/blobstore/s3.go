package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client used here.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Object metadata keys. S3 lower-cases user metadata names.
const (
	metaOwner    = "owner"
	metaFileName = "filename"
	metaCategory = "category"
	metaHash     = "sha256"
	metaCreated  = "created"
)

// S3BlobStore keeps blobs under "{prefix}{owner}/{id}" with descriptive
// fields in object metadata.
type S3BlobStore struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Client builds a client from the default AWS config chain. Path-style
// addressing keeps S3-compatible endpoints such as MinIO working.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

func NewS3BlobStore(client s3API, bucket, prefix string) *S3BlobStore {
	if prefix == "" {
		prefix = "documents/"
	}
	return &S3BlobStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3BlobStore) key(ownerID, id string) string {
	return s.prefix + ownerID + "/" + id
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(meta.OwnerID, meta.ID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(meta.Size),
		ContentType:   aws.String(meta.ContentType),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			metaOwner:    meta.OwnerID,
			metaFileName: meta.FileName,
			metaCategory: meta.Category,
			metaHash:     meta.Hash,
			metaCreated:  strconv.FormatInt(meta.CreatedAt.UnixNano(), 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put %s: %w", meta.ID, err)
	}
	out := meta
	return &out, nil
}

func (s *S3BlobStore) Download(ctx context.Context, ownerID, id string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ownerID, id)),
	})
	if err != nil {
		return nil, nil, s.mapErr(id, err)
	}
	meta := metadataFrom(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	if meta.OwnerID != ownerID {
		out.Body.Close()
		return nil, nil, ErrBlobNotFound
	}
	return out.Body, meta, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.GetMetadata(ctx, ownerID, id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ownerID, id)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", id, err)
	}
	return nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, ownerID, id string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ownerID, id)),
	})
	if err != nil {
		return nil, s.mapErr(id, err)
	}
	meta := metadataFrom(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	if meta.OwnerID != ownerID {
		return nil, ErrBlobNotFound
	}
	return meta, nil
}

func (s *S3BlobStore) ListByOwner(ctx context.Context, ownerID, category string, limit, offset int) ([]*BlobMetadata, int, error) {
	prefix := s.prefix + ownerID + "/"
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var matched []*BlobMetadata
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range out.Contents {
			id := aws.ToString(obj.Key)[len(prefix):]
			meta, err := s.GetMetadata(ctx, ownerID, id)
			if err != nil {
				if errors.Is(err, ErrBlobNotFound) {
					continue
				}
				return nil, 0, err
			}
			if category != "" && meta.Category != category {
				continue
			}
			matched = append(matched, meta)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return page(matched, limit, offset), len(matched), nil
}

func (s *S3BlobStore) mapErr(id string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return ErrBlobNotFound
	}
	return fmt.Errorf("s3 object %s: %w", id, err)
}

func metadataFrom(id string, md map[string]string, contentType string, size int64) *BlobMetadata {
	m := &BlobMetadata{
		ID:          id,
		OwnerID:     md[metaOwner],
		FileName:    md[metaFileName],
		Category:    md[metaCategory],
		Hash:        md[metaHash],
		ContentType: contentType,
		Size:        size,
	}
	if ns, err := strconv.ParseInt(md[metaCreated], 10, 64); err == nil {
		m.CreatedAt = time.Unix(0, ns).UTC()
	}
	return m
}
