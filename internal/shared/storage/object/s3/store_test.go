package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hallucheck-backend/internal/shared/storage/object"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	deletes []string
	putErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = body
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, aws.ToString(in.Key))
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{prefix: "", key: "owner/2026/01/a_chat.json", want: "owner/2026/01/a_chat.json"},
		{prefix: "uploads", key: "owner/a.json", want: "uploads/owner/a.json"},
		{prefix: "uploads/", key: "owner/a.json", want: "uploads/owner/a.json"},
		{prefix: " /uploads/ ", key: "/owner/a.json", want: "uploads/owner/a.json"},
	}
	for _, tt := range tests {
		s := newWithClient(&fakeS3{}, "b", tt.prefix, "")
		assert.Equal(t, tt.want, s.objectKey(tt.key), "prefix %q key %q", tt.prefix, tt.key)
	}
}

func TestPutOpenDelete(t *testing.T) {
	fake := &fakeS3{}
	store := newWithClient(fake, "bucket", "/conversations/", "kms-key")
	body := `[{"role":"assistant","content":"ok"}]`

	info, err := store.Put(context.Background(), "user-1", "chat.json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), info.SizeBytes)
	require.Len(t, fake.puts, 1)

	put := fake.puts[0]
	assert.True(t, strings.HasPrefix(aws.ToString(put.Key), "conversations/"), "key %q", aws.ToString(put.Key))
	assert.Equal(t, s3types.ServerSideEncryptionAwsKms, put.ServerSideEncryption)
	assert.Equal(t, "kms-key", aws.ToString(put.SSEKMSKeyId))
	assert.Equal(t, int64(len(body)), aws.ToInt64(put.ContentLength))
	assert.Equal(t, s3types.ChecksumAlgorithmSha256, put.ChecksumAlgorithm)

	rc, err := store.Open(context.Background(), info.Key)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, body, string(got))

	require.NoError(t, store.Delete(context.Background(), info.Key))
	assert.Equal(t, []string{aws.ToString(put.Key)}, fake.deletes)
	_, err = store.Open(context.Background(), info.Key)
	assert.ErrorIs(t, err, object.ErrNotFound)
}

func TestPutDefaultsToSSES3(t *testing.T) {
	fake := &fakeS3{}
	store := newWithClient(fake, "bucket", "", "")
	_, err := store.Put(context.Background(), "u", "c.json", strings.NewReader("[]"))
	require.NoError(t, err)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, fake.puts[0].ServerSideEncryption)
	assert.Nil(t, fake.puts[0].SSEKMSKeyId)
}

func TestPutErrorNamesObject(t *testing.T) {
	boom := errors.New("access denied")
	store := newWithClient(&fakeS3{putErr: boom}, "bucket", "p", "")
	_, err := store.Put(context.Background(), "u", "c.json", strings.NewReader("[]"))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "s3 put s3://bucket/p/")
}

func TestOpenMissingMapsToNotFound(t *testing.T) {
	store := newWithClient(&fakeS3{}, "bucket", "", "")
	_, err := store.Open(context.Background(), "nope")
	assert.ErrorIs(t, err, object.ErrNotFound)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), "us-east-1", "  ", "", "")
	assert.Error(t, err)
}
