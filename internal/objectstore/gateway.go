// Package objectstore provides thin, typed operations over S3-compatible
// blob storage keyed by tenant/conversation/path.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"silexa/substrate/internal/errs"
)

const defaultMaxFileSize = 100 * 1024 * 1024 // default per-file cap

// S3API is the subset of the generated S3 client this gateway calls,
// narrowed for testability with a fake.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Entry is one listing result.
type Entry struct {
	Path         string
	SizeBytes    int64
	LastModified time.Time
	ETag         string
}

// Meta is the result of Head.
type Meta struct {
	SizeBytes    int64
	MimeType     string
	LastModified time.Time
	ETag         string
}

// Gateway is the Object-Store Gateway.
type Gateway struct {
	api         S3API
	bucket      string
	prefix      string
	maxFileSize int64
}

func New(api S3API, bucket, prefix string) *Gateway {
	return &Gateway{api: api, bucket: bucket, prefix: prefix, maxFileSize: defaultMaxFileSize}
}

// WithMaxFileSize overrides the default 100 MiB per-file cap.
func (g *Gateway) WithMaxFileSize(n int64) *Gateway {
	g.maxFileSize = n
	return g
}

// key builds `${prefix}/${tenant}/${conv}/${path}`, rejecting any path
// that escapes the conversation root. The raw input is checked for ".."
// segments before cleaning, so a leading traversal cannot be silently
// clamped away.
func (g *Gateway) key(tenant, conv, relPath string) (string, error) {
	if relPath == "" || strings.HasPrefix(relPath, "/") {
		return "", errs.PathTraversalf("path %q escapes the conversation root", relPath)
	}
	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", errs.PathTraversalf("path %q escapes the conversation root", relPath)
		}
	}
	clean := path.Clean(relPath)
	if clean == "." || clean == "" {
		return "", errs.PathTraversalf("path %q escapes the conversation root", relPath)
	}
	return fmt.Sprintf("%s/%s/%s/%s", g.prefix, tenant, conv, clean), nil
}

// Put uploads bytes at path, enforcing the per-file size cap.
func (g *Gateway) Put(ctx context.Context, tenant, conv, relPath string, data []byte, mime string) error {
	if int64(len(data)) > g.maxFileSize {
		return errs.FileTooLargef("file %q is %d bytes, exceeds cap of %d", relPath, len(data), g.maxFileSize)
	}
	key, err := g.key(tenant, conv, relPath)
	if err != nil {
		return err
	}
	_, err = g.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mime),
	})
	if err != nil {
		return errs.Infra(fmt.Sprintf("put %s", key), err)
	}
	return nil
}

// Get downloads the bytes at path.
func (g *Gateway) Get(ctx context.Context, tenant, conv, relPath string) ([]byte, error) {
	key, err := g.key(tenant, conv, relPath)
	if err != nil {
		return nil, err
	}
	out, err := g.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(g.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errs.NotFoundf("object %s not found", key)
		}
		return nil, errs.Infra(fmt.Sprintf("get %s", key), err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Infra(fmt.Sprintf("read %s", key), err)
	}
	return data, nil
}

// Delete removes the object at path, if present.
func (g *Gateway) Delete(ctx context.Context, tenant, conv, relPath string) error {
	key, err := g.key(tenant, conv, relPath)
	if err != nil {
		return err
	}
	if _, err := g.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(g.bucket), Key: aws.String(key)}); err != nil {
		return errs.Infra(fmt.Sprintf("delete %s", key), err)
	}
	return nil
}

// List returns entries under prefix within (tenant, conv), with the
// tenant/conv/bucket-prefix portion stripped from Entry.Path.
func (g *Gateway) List(ctx context.Context, tenant, conv, prefix string) ([]Entry, error) {
	root := fmt.Sprintf("%s/%s/%s/", g.prefix, tenant, conv)
	listPrefix := root + strings.TrimPrefix(prefix, "/")

	var entries []Entry
	var token *string
	for {
		out, err := g.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(g.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errs.Infra(fmt.Sprintf("list %s", listPrefix), err)
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			entries = append(entries, Entry{
				Path:         strings.TrimPrefix(k, root),
				SizeBytes:    aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return entries, nil
}

// Head returns metadata for path, or nil if it does not exist.
func (g *Gateway) Head(ctx context.Context, tenant, conv, relPath string) (*Meta, error) {
	key, err := g.key(tenant, conv, relPath)
	if err != nil {
		return nil, err
	}
	out, err := g.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(g.bucket), Key: aws.String(key)})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, errs.Infra(fmt.Sprintf("head %s", key), err)
	}
	return &Meta{
		SizeBytes:    aws.ToInt64(out.ContentLength),
		MimeType:     aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}
