package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deepzoom/internal/config"
	"deepzoom/internal/tileid"
)

// fakeS3 serves GetObject for a fixed set of keys with path-style
// addressing.
func fakeS3(t *testing.T, bucket string, objects map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/"+bucket+"/")
		body, ok := objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key></Error>`, key)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(body)-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFakeS3Source(t *testing.T, objects map[string][]byte) *S3Source {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	srv := fakeS3(t, "tiles", objects)
	client, err := NewS3Client(context.Background(), S3Config{Region: "us-east-1", Endpoint: srv.URL})
	require.NoError(t, err)
	return NewS3Source(client, "tiles", "pyramids", zap.NewNop())
}

func TestS3Source_Fetch(t *testing.T) {
	id := tileid.Format("img", 0, 0, 256, 256, 4)
	s := newFakeS3Source(t, map[string][]byte{
		"pyramids/img&x=0&y=0&w=256&h=256&level=4.PNG": []byte("png-tile"),
	})

	data, err := s.Fetch(context.Background(), id, tileid.PNG)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-tile"), data)
}

func TestS3Source_Missing(t *testing.T) {
	s := newFakeS3Source(t, nil)

	_, err := s.Fetch(context.Background(), tileid.Format("img", 0, 0, 256, 256, 4), tileid.JPG)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew_Factory(t *testing.T) {
	cfg := config.Default()

	src, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, src)

	cfg.TileSource = "minio"
	cfg.MinioEndpoint = "localhost:9000"
	cfg.MinioBucket = "tiles"
	src, err = New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MinioSource{}, src)

	cfg.TileSource = "ftp"
	_, err = New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestIntegration_MinioSource(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	bucket := os.Getenv("MINIO_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("Skipping MinIO integration test: MINIO_ENDPOINT or MINIO_BUCKET not set")
	}

	ctx := context.Background()
	client, err := NewMinioClient(MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
	})
	require.NoError(t, err)

	prefix := fmt.Sprintf("test-deepzoom-%d", time.Now().UnixNano())
	s := NewMinioSource(client, bucket, prefix, zap.NewNop())
	id := tileid.Format("img", 0, 0, 256, 256, 0)

	body := []byte("minio-tile")
	_, err = client.PutObject(ctx, bucket, s.Key(id, tileid.PNG), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{})
	require.NoError(t, err)
	defer client.RemoveObject(ctx, bucket, s.Key(id, tileid.PNG), minio.RemoveObjectOptions{})

	data, err := s.Fetch(ctx, id, tileid.PNG)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	_, err = s.Fetch(ctx, id, tileid.JPG)
	assert.ErrorIs(t, err, ErrNotFound)
}
