package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	mimes   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, mimes: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.mimes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	prefix := aws.ToString(in.Prefix)
	for k, v := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			size := int64(len(v))
			out.Contents = append(out.Contents, s3Object(k, size))
		}
	}
	return &out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	size := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &size, ContentType: aws.String(f.mimes[aws.ToString(in.Key)])}, nil
}

func s3Object(key string, size int64) types.Object {
	return types.Object{Key: aws.String(key), Size: aws.Int64(size), ETag: aws.String(`"abc"`)}
}

func TestPutGetRoundTrip(t *testing.T) {
	api := newFakeS3()
	gw := New(api, "bucket", "workspaces")

	err := gw.Put(context.Background(), "tenant1", "conv1", "uploads/data_c3d4.csv", []byte("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)

	got, err := gw.Get(context.Background(), "tenant1", "conv1", "uploads/data_c3d4.csv")
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(got))
}

func TestPutRejectsPathTraversal(t *testing.T) {
	gw := New(newFakeS3(), "bucket", "workspaces")
	err := gw.Put(context.Background(), "tenant1", "conv1", "../../etc/passwd", []byte("x"), "text/plain")
	require.Error(t, err)
}

func TestPutRejectsOversizedFile(t *testing.T) {
	gw := New(newFakeS3(), "bucket", "workspaces").WithMaxFileSize(4)
	err := gw.Put(context.Background(), "tenant1", "conv1", "big.bin", []byte("too big"), "application/octet-stream")
	require.Error(t, err)
}

func TestListScopesToConversationPrefix(t *testing.T) {
	api := newFakeS3()
	gw := New(api, "bucket", "workspaces")
	require.NoError(t, gw.Put(context.Background(), "t1", "c1", "uploads/data_c3d4.csv", []byte("1234567890123456789012345678901234567890"), "text/csv"))

	entries, err := gw.List(context.Background(), "t1", "c1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "uploads/data_c3d4.csv", entries[0].Path)
	require.Equal(t, int64(40), entries[0].SizeBytes)
}
