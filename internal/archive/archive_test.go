package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sink, err := NewFileSink(filepath.Join(dir, "exports"))
	require.NoError(t, err)

	t.Run("Put", func(t *testing.T) {
		loc, err := sink.Put(ctx, "CASE-1/audit.json", []byte(`[]`), "application/json")
		require.NoError(t, err)

		data, err := os.ReadFile(loc)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(data))
		assert.NoFileExists(t, loc+".tmp")
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := sink.Put(ctx, "CASE-1/audit.csv", []byte("a"), "text/csv")
		require.NoError(t, err)
		loc, err := sink.Put(ctx, "CASE-1/audit.csv", []byte("b"), "text/csv")
		require.NoError(t, err)

		data, err := os.ReadFile(loc)
		require.NoError(t, err)
		assert.Equal(t, "b", string(data))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../b"} {
			_, err := sink.Put(ctx, key, []byte("x"), "text/plain")
			assert.Error(t, err, "key %q", key)
		}
	})

	assert.NoError(t, sink.Close())
}

func TestS3Sink(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	var gotPath, gotMethod, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	sink, err := NewS3Sink(ctx, S3Config{
		Bucket:   "kestrel-audit",
		Region:   "ap-south-1",
		Endpoint: srv.URL,
		Prefix:   "exports/",
	})
	require.NoError(t, err)

	loc, err := sink.Put(ctx, "CASE-1/audit.json", []byte(`[{"a":1}]`), "application/json")
	require.NoError(t, err)

	assert.Equal(t, "s3://kestrel-audit/exports/CASE-1/audit.json", loc)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/kestrel-audit/exports/CASE-1/audit.json", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Contains(t, string(gotBody), `[{"a":1}]`)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("FileDefault", func(t *testing.T) {
		sink, err := New(ctx, domain.ArchiveConfig{Sink: "file", Directory: t.TempDir()})
		require.NoError(t, err)
		assert.IsType(t, &FileSink{}, sink)
	})

	t.Run("S3RequiresBucket", func(t *testing.T) {
		_, err := New(ctx, domain.ArchiveConfig{Sink: "s3"})
		assert.Error(t, err)
	})

	t.Run("GCSRequiresBucket", func(t *testing.T) {
		_, err := New(ctx, domain.ArchiveConfig{Sink: "gcs"})
		assert.Error(t, err)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := New(ctx, domain.ArchiveConfig{Sink: "ftp"})
		assert.Error(t, err)
	})
}
