package archive

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dpm-go/internal/dpm"
)

// fakeS3 is an in-memory bucket serving both halves of the client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &manager.UploadOutput{}, nil
}

func TestS3Archive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bucket := newFakeS3()
	a := newS3Archive("history", "docs", bucket, bucket)

	if err := a.Put(ctx, "guide/intro.md", 100, []byte("# Intro")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := bucket.objects["history/docs/.history/guide/intro.100.md"]; !ok {
		t.Errorf("object keys = %v", bucket.objects)
	}

	got, err := a.Get(ctx, "guide/intro.md", 100)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "# Intro" {
		t.Errorf("Get() = %q", got)
	}

	if _, err := a.Get(ctx, "guide/intro.md", 200); dpm.ErrorKindOf(err) != dpm.KindNotFound {
		t.Errorf("Get() missing version error = %v, want NotFound", err)
	}
}
