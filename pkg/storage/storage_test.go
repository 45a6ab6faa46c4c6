package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &apiError{"NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*in.Key] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, *in.Key)
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &apiError{"NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func put(t *testing.T, fs FileStore, path, data string) {
	t.Helper()
	w, err := fs.Write(context.Background(), path)
	if err != nil {
		t.Fatalf("Write(%q) error: %v", path, err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close(%q) error: %v", path, err)
	}
}

func get(t *testing.T, fs FileStore, path string) (string, error) {
	t.Helper()
	r, err := fs.Read(context.Background(), path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	return string(b), err
}

func TestFileStores(t *testing.T) {
	local, err := NewLocal(filepath.Join(t.TempDir(), "nested", "root"))
	if err != nil {
		t.Fatal(err)
	}
	stores := map[string]FileStore{
		"local": local,
		"s3":    NewS3(newFakeS3(), "bucket", "media"),
	}
	for name, fs := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			put(t, fs, "clips/a.pcm", "first")
			put(t, fs, "clips/a.pcm", "second")
			if got, err := get(t, fs, "/clips/a.pcm"); err != nil || got != "second" {
				t.Fatalf("Read = %q, %v", got, err)
			}

			if ok, err := fs.Exists(ctx, "clips/a.pcm"); !ok || err != nil {
				t.Fatalf("Exists = %v, %v", ok, err)
			}
			if ok, err := fs.Exists(ctx, "clips/b.pcm"); ok || err != nil {
				t.Fatalf("Exists(missing) = %v, %v", ok, err)
			}
			if _, err := get(t, fs, "clips/b.pcm"); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("Read(missing) err = %v, want os.ErrNotExist", err)
			}

			if err := fs.Delete(ctx, "clips/a.pcm"); err != nil {
				t.Fatal(err)
			}
			if err := fs.Delete(ctx, "clips/a.pcm"); err != nil {
				t.Fatalf("second Delete error: %v", err)
			}
			if ok, _ := fs.Exists(ctx, "clips/a.pcm"); ok {
				t.Fatal("file exists after Delete")
			}

			for _, bad := range []string{"", "/", "../escape", "a/../../b"} {
				if _, err := fs.Write(ctx, bad); !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Write(%q) err = %v, want ErrInvalidPath", bad, err)
				}
			}
		})
	}
}

func TestS3_KeyPrefix(t *testing.T) {
	fake := newFakeS3()
	put(t, NewS3(fake, "b", "p/q"), "x.bin", "1")
	put(t, NewS3(fake, "b", ""), "y.bin", "2")
	if _, ok := fake.objects["p/q/x.bin"]; !ok {
		t.Errorf("objects = %v, want key p/q/x.bin", fake.objects)
	}
	if _, ok := fake.objects["y.bin"]; !ok {
		t.Errorf("objects = %v, want key y.bin", fake.objects)
	}
}

func TestS3_UploadError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("denied")
	w, err := NewS3(fake, "b", "").Write(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("data"))
	if err := w.Close(); err == nil || err.Error() != "denied" {
		t.Fatalf("Close err = %v, want denied", err)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, u := range []string{dir, "file://" + dir} {
		fs, err := Open(u)
		if err != nil {
			t.Fatalf("Open(%q) error: %v", u, err)
		}
		if l, ok := fs.(*Local); !ok || l.Root() != dir {
			t.Fatalf("Open(%q) = %#v", u, fs)
		}
	}

	fs, err := Open("s3://bucket/a/b?region=us-east-1&endpoint=http://localhost:9000")
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := fs.(*S3); !ok || s.bucket != "bucket" || s.prefix != "a/b" {
		t.Fatalf("Open(s3) = %#v", fs)
	}

	for _, bad := range []string{"s3:///nobucket", "ftp://host/x"} {
		if _, err := Open(bad); err == nil {
			t.Errorf("Open(%q) succeeded", bad)
		}
	}
}
