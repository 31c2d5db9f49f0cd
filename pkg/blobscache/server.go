package blobscache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zlib"
	"github.com/labstack/echo/v4"

	"github.com/zhouat/bincat/pkg/logging"
	"github.com/zhouat/bincat/pkg/metrics"
)

func NewServer(log *logging.Logger, store Store) *Server {
	return &Server{
		log:   log.Component("blobscache"),
		store: store,
	}
}

// Server exposes a Store over the content-addressed download/add protocol.
type Server struct {
	log   *logging.Logger
	store Store
}

func (s *Server) RegisterHandlers(e *echo.Echo) {
	e.HEAD("/download/:digest", s.head)
	e.GET("/download/:digest", s.download)
	e.GET("/download/:digest/zlib", s.downloadZlib)
	e.PUT("/add", s.add)
}

// PutBlob stores data and returns its digest. Used by handlers producing artifacts.
func (s *Server) PutBlob(data []byte) (string, error) {
	digest := DigestBytes(data)
	if err := s.store.Put(digest, data); err != nil {
		return "", fmt.Errorf("storing blob %s: %w", digest, err)
	}
	metrics.ServerStoredBlobs.Set(float64(s.store.Len()))
	return digest, nil
}

// GetBlob returns ErrNotFound for unknown or malformed digests.
func (s *Server) GetBlob(digest string) ([]byte, error) {
	if !ValidDigest(digest) {
		return nil, fmt.Errorf("%q: %w", digest, ErrInvalidDigest)
	}
	data, found, err := s.store.Get(digest)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	return data, nil
}

func (s *Server) head(c echo.Context) error {
	digest := c.Param("digest")
	if !ValidDigest(digest) {
		return c.NoContent(http.StatusNotFound)
	}
	found, err := s.store.Has(digest)
	if err != nil {
		s.log.Errorf("checking blob %s: %v", digest, err)
		return c.NoContent(http.StatusInternalServerError)
	}
	if !found {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) download(c echo.Context) error {
	data, found, err := s.lookup(c)
	if err != nil || !found {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (s *Server) downloadZlib(c echo.Context) error {
	data, found, err := s.lookup(c)
	if err != nil || !found {
		return err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, buf.Bytes())
}

// lookup writes the error response itself when the blob cannot be served.
func (s *Server) lookup(c echo.Context) ([]byte, bool, error) {
	digest := c.Param("digest")
	if !ValidDigest(digest) {
		return nil, false, c.NoContent(http.StatusNotFound)
	}
	data, found, err := s.store.Get(digest)
	if err != nil {
		s.log.Errorf("reading blob %s: %v", digest, err)
		return nil, false, c.NoContent(http.StatusInternalServerError)
	}
	if !found {
		return nil, false, c.NoContent(http.StatusNotFound)
	}
	return data, true, nil
}

func (s *Server) add(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing multipart field file")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	digest, err := s.PutBlob(data)
	if err != nil {
		s.log.Errorf("adding blob: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	s.log.Debugf("added blob, digest=%s, size=%d", digest, len(data))
	return c.JSON(http.StatusOK, AddResponse{SHA256: digest})
}
