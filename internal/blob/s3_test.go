package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string       { return "http error" }
func (e statusErr) HTTPStatusCode() int { return int(e) }

type fakeS3 struct {
	puts    []*s3.PutObjectInput
	putErr  error
	getErr  error
	headErr error
	deletes [][]string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	_, _ = io.Copy(io.Discard, in.Body)
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(aws.ToString(in.Key)))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, _ *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{}, f.headErr
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	var keys []string
	for _, o := range in.Delete.Objects {
		keys = append(keys, aws.ToString(o.Key))
	}
	f.deletes = append(f.deletes, keys)
	return &s3.DeleteObjectsOutput{}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://bucket.s3/" + aws.ToString(in.Key) + "?X-Amz-Signature=x"}, nil
}

func TestS3Store_PutIsConditionalUnlessOverwrite(t *testing.T) {
	f := &fakeS3{}
	s := newS3Store(f, fakePresigner{}, "bucket", "/root/")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/b", strings.NewReader("xyz"), 3, "text/plain", PutOptions{}))
	require.NoError(t, s.Put(ctx, "a/b", strings.NewReader("xyz"), 3, "text/plain", PutOptions{Overwrite: true}))

	require.Len(t, f.puts, 2)
	assert.Equal(t, "root/a/b", aws.ToString(f.puts[0].Key))
	assert.Equal(t, "*", aws.ToString(f.puts[0].IfNoneMatch))
	assert.Nil(t, f.puts[1].IfNoneMatch)
	assert.Equal(t, int64(3), aws.ToInt64(f.puts[0].ContentLength))

	f.putErr = statusErr(412)
	assert.ErrorIs(t, s.Put(ctx, "a/b", strings.NewReader("xyz"), 3, "", PutOptions{}), ErrExists)
}

func TestS3Store_NotFoundMapping(t *testing.T) {
	f := &fakeS3{getErr: &s3types.NoSuchKey{}, headErr: statusErr(404)}
	s := newS3Store(f, fakePresigner{}, "bucket", "")

	_, err := s.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, ok)

	f.headErr = errors.New("network down")
	_, err = s.Exists(context.Background(), "a")
	assert.Error(t, err)
}

func TestS3Store_DeleteBatches(t *testing.T) {
	f := &fakeS3{}
	s := newS3Store(f, fakePresigner{}, "bucket", "")

	keys := make([]string, 2500)
	for i := range keys {
		keys[i] = "k/" + strings.Repeat("x", 1+i%3)
	}
	require.NoError(t, s.Delete(context.Background(), keys...))
	require.Len(t, f.deletes, 3)
	assert.Len(t, f.deletes[0], 1000)
	assert.Len(t, f.deletes[2], 500)
}

func TestS3Store_SignedURL(t *testing.T) {
	s := newS3Store(&fakeS3{}, fakePresigner{}, "bucket", "p")
	u, err := s.SignedURL(context.Background(), "a/b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.s3/p/a/b?X-Amz-Signature=x", u)
}
