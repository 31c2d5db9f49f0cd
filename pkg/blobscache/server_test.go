package blobscache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/zhouat/bincat/pkg/logging"
)

type requestCounter struct {
	heads atomic.Int32
	puts  atomic.Int32
}

func (rc *requestCounter) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		switch c.Request().Method {
		case http.MethodHead:
			rc.heads.Add(1)
		case http.MethodPut:
			rc.puts.Add(1)
		}
		return next(c)
	}
}

func newTestServer(t *testing.T) (*Server, *requestCounter, string) {
	t.Helper()
	log := logging.NewTestLog()
	srv := NewServer(log, NewMemoryStore(log, 64))
	counter := &requestCounter{}
	e := echo.New()
	e.Use(counter.middleware)
	srv.RegisterHandlers(e)
	httpSrv := httptest.NewServer(e)
	t.Cleanup(httpSrv.Close)
	return srv, counter, httpSrv.URL
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestBlobsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logging.NewTestLog()

	t.Run("upload and download", func(t *testing.T) {
		r := require.New(t)
		_, counter, url := newTestServer(t)
		client := NewClient(log, ClientConfig{URL: url, Confirm: ApproveUploads})

		// Wait until server is ready.
		r.Eventually(func() bool {
			found, err := client.Exists(ctx, DigestBytes([]byte("noop")))
			return err == nil && !found
		}, 3*time.Second, 10*time.Millisecond)

		blob := []byte("\x7fELF binary under analysis")
		p := writeFile(t, "a.out", blob)
		digest, err := client.EnsureUploaded(ctx, p)
		r.NoError(err)
		r.Equal(DigestBytes(blob), digest)
		r.EqualValues(1, counter.puts.Load())

		found, err := client.Exists(ctx, digest)
		r.NoError(err)
		r.True(found)

		got, err := client.Download(ctx, digest)
		r.NoError(err)
		r.Equal(blob, got)
	})

	t.Run("identical content is uploaded once", func(t *testing.T) {
		r := require.New(t)
		_, counter, url := newTestServer(t)
		client := NewClient(log, ClientConfig{URL: url, Confirm: ApproveUploads})

		data := []byte("typedef int pid_t;\n")
		first := writeFile(t, "a.h", data)
		second := writeFile(t, "b.h", data)

		d1, err := client.EnsureUploaded(ctx, first)
		r.NoError(err)
		d2, err := client.EnsureUploaded(ctx, second)
		r.NoError(err)

		r.Equal(d1, d2)
		r.EqualValues(1, counter.puts.Load())
		r.EqualValues(2, counter.heads.Load())
	})

	t.Run("declined upload never reaches the server", func(t *testing.T) {
		r := require.New(t)
		_, counter, url := newTestServer(t)
		var asked string
		client := NewClient(log, ClientConfig{
			URL: url,
			Confirm: func(ctx context.Context, path, serverURL string) (bool, error) {
				asked = path
				return false, nil
			},
		})

		p := writeFile(t, "secret.bin", []byte("secret"))
		_, err := client.EnsureUploaded(ctx, p)
		r.ErrorIs(err, ErrUploadDeclined)
		r.Equal(p, asked)
		r.EqualValues(0, counter.puts.Load())
	})

	t.Run("uploads are declined without a confirmation", func(t *testing.T) {
		r := require.New(t)
		srv, counter, url := newTestServer(t)
		client := NewClient(log, ClientConfig{URL: url})

		_, err := client.EnsureUploaded(ctx, writeFile(t, "a.out", []byte("not on the server")))
		r.ErrorIs(err, ErrUploadDeclined)
		r.EqualValues(0, counter.puts.Load())

		data := []byte("on the server")
		_, err = srv.PutBlob(data)
		r.NoError(err)
		digest, err := client.EnsureUploaded(ctx, writeFile(t, "b.out", data))
		r.NoError(err)
		r.Equal(DigestBytes(data), digest)
	})

	t.Run("present content is not confirmed", func(t *testing.T) {
		r := require.New(t)
		srv, _, url := newTestServer(t)
		data := []byte("already there")
		_, err := srv.PutBlob(data)
		r.NoError(err)

		client := NewClient(log, ClientConfig{
			URL: url,
			Confirm: func(ctx context.Context, path, serverURL string) (bool, error) {
				return false, errors.New("should not be asked")
			},
		})
		digest, err := client.EnsureUploaded(ctx, writeFile(t, "x", data))
		r.NoError(err)
		r.Equal(DigestBytes(data), digest)
	})

	t.Run("missing blob", func(t *testing.T) {
		r := require.New(t)
		_, _, url := newTestServer(t)
		client := NewClient(log, ClientConfig{URL: url})

		_, err := client.Download(ctx, DigestBytes([]byte("nope")))
		r.ErrorIs(err, ErrNotFound)

		resp, err := http.Get(url + "/download/..%2f..%2fetc%2fpasswd")
		r.NoError(err)
		resp.Body.Close()
		r.Equal(http.StatusNotFound, resp.StatusCode)
	})

	t.Run("corrupt compressed payload", func(t *testing.T) {
		r := require.New(t)
		e := echo.New()
		e.GET("/download/:digest/zlib", func(c echo.Context) error {
			return c.Blob(http.StatusOK, echo.MIMEOctetStream, []byte("not zlib"))
		})
		httpSrv := httptest.NewServer(e)
		defer httpSrv.Close()

		client := NewClient(log, ClientConfig{URL: httpSrv.URL})
		_, err := client.Download(ctx, DigestBytes([]byte("x")))
		r.Error(err)
		r.Contains(err.Error(), "uncompressing")
	})

	t.Run("version", func(t *testing.T) {
		r := require.New(t)
		e := echo.New()
		e.GET("/version", func(c echo.Context) error {
			return c.String(http.StatusOK, "1.2\n")
		})
		httpSrv := httptest.NewServer(e)
		defer httpSrv.Close()

		v, err := NewClient(log, ClientConfig{URL: httpSrv.URL + "/"}).Version(ctx)
		r.NoError(err)
		r.Equal("1.2", v)
	})
}
