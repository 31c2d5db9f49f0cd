package blobscache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/zlib"

	"github.com/zhouat/bincat/pkg/logging"
	"github.com/zhouat/bincat/pkg/metrics"
)

type ClientConfig struct {
	URL     string
	Timeout time.Duration
	// MaxTries bounds attempts of idempotent requests (HEAD, GET) on network errors and 5xx.
	MaxTries uint
	Confirm  ConfirmFunc
	Digester *Digester
}

func NewClient(log *logging.Logger, cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Digester == nil {
		cfg.Digester = NewDigester(256)
	}
	log = log.Component("blobs_client")
	if cfg.Confirm == nil {
		cfg.Confirm = DeclineUploads
	}
	return &Client{
		log:      log,
		url:      strings.TrimRight(cfg.URL, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		digester: cfg.Digester,
		confirm:  cfg.Confirm,
		maxTries: cfg.MaxTries,
	}
}

// Client talks to a content-addressed blob server. Every blob is named by the
// SHA-256 of its bytes.
type Client struct {
	log      *logging.Logger
	url      string
	client   *http.Client
	digester *Digester
	confirm  ConfirmFunc
	maxTries uint
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) FileDigest(path string) (string, error) {
	return c.digester.FileDigest(path)
}

// Version returns the server API version. It is never retried.
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if st := resp.StatusCode; st != http.StatusOK {
		return "", fmt.Errorf("version request failed, response status=%d", st)
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) Exists(ctx context.Context, digest string) (bool, error) {
	resp, err := c.doIdempotent(ctx, http.MethodHead, "/download/"+digest)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("presence check failed, response status=%d", resp.StatusCode)
	}
}

// EnsureUploaded makes the file content available on the server and returns its digest.
func (c *Client) EnsureUploaded(ctx context.Context, path string) (string, error) {
	digest, err := c.digester.FileDigest(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	if err := c.Upload(ctx, path, digest); err != nil {
		return "", err
	}
	return digest, nil
}

// Upload sends the file unless the server already has digest. Present content
// never triggers a PUT.
func (c *Client) Upload(ctx context.Context, path, digest string) error {
	present, err := c.Exists(ctx, digest)
	if err != nil {
		return fmt.Errorf("contacting %s for %s: %w", c.url, path, err)
	}
	if present {
		metrics.BlobDedupHitsTotal.Inc()
		c.log.Debugf("blob already on server, digest=%s, path=%s", digest, path)
		return nil
	}

	ok, err := c.confirm(ctx, path, c.url)
	if err != nil {
		return fmt.Errorf("confirming upload of %s: %w", path, err)
	}
	if !ok {
		c.log.Info("Upload aborted.")
		return fmt.Errorf("%s: %w", path, ErrUploadDeclined)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	resp, err := c.SendMultipart(ctx, http.MethodPut, "/add", "file", "file", data)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	defer resp.Body.Close()
	if st := resp.StatusCode; st != http.StatusOK {
		errMsg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("uploading %s failed, response status=%d: %s", path, st, string(errMsg))
	}
	metrics.BlobUploadsTotal.Inc()
	metrics.BlobUploadBytesTotal.Add(float64(len(data)))
	c.log.Debugf("uploaded %s, digest=%s, size=%d", path, digest, len(data))
	return nil
}

// Download fetches the zlib encoded variant of a blob and inflates it.
func (c *Client) Download(ctx context.Context, digest string) ([]byte, error) {
	data, err := c.download(ctx, digest)
	if err != nil {
		metrics.BlobDownloadErrorsTotal.Inc()
		return nil, err
	}
	metrics.BlobDownloadsTotal.Inc()
	return data, nil
}

func (c *Client) download(ctx context.Context, digest string) ([]byte, error) {
	resp, err := c.doIdempotent(ctx, http.MethodGet, "/download/"+digest+"/zlib")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if st := resp.StatusCode; st != http.StatusOK {
		if st == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", digest, ErrNotFound)
		}
		return nil, fmt.Errorf("download of %s failed, response status=%d", digest, st)
	}
	zr, err := zlib.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("uncompressing downloaded file %s: %w", digest, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("uncompressing downloaded file %s: %w", digest, err)
	}
	return data, nil
}

// Post issues a bodyless POST. Not retried, the server may act on it.
func (c *Client) Post(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *Client) SendMultipart(ctx context.Context, method, endpoint, field, filename string, body []byte) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(body); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.client.Do(req)
}

func (c *Client) doIdempotent(ctx context.Context, method, endpoint string) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.url+endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, backoff.Permanent(err)
			}
			c.log.Debugf("%s %s failed, retrying: %v", method, endpoint, err)
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%s %s: response status=%d", method, endpoint, resp.StatusCode)
		}
		return resp, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
}
