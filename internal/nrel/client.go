// Package nrel fetches Wind Toolkit extracts from the NREL developer API.
//
// Every API call is guarded by a Limiter: direct CSV downloads use the
// bulk class, asynchronous JSON requests the interactive class. Archive
// downloads from the URL an acknowledgment points at are not API calls and
// are not limited.
package nrel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/logging"
	"github.com/JonMunkholm/wtkpipe/internal/metrics"
	"github.com/JonMunkholm/wtkpipe/internal/ratelimit"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL     = "https://developer.nrel.gov/api"
	DefaultDatasetPath = "wind-toolkit/v2/wind/wtk-download"
	DefaultTimeout     = 60 * time.Second

	// TimestampLayout stamps acknowledgment and archive file names.
	TimestampLayout = "20060102T150405Z"
)

// maxAckBytes bounds an asynchronous acknowledgment body.
const maxAckBytes = 4 << 20

// Limiter guards a call with quota, pacing and the in-flight cap.
// *ratelimit.Limiter implements it.
type Limiter interface {
	Do(ctx context.Context, class ratelimit.Class, fn func(ctx context.Context) error) error
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	DatasetPath string
	Params      Params
	Timeout     time.Duration

	// HTTP overrides the default client.
	HTTP *http.Client
}

// Client is an NREL API client.
type Client struct {
	baseURL     string
	datasetPath string
	params      Params
	http        *http.Client
	limiter     Limiter
}

// NewHTTPClient returns an http.Client with pooled connections.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
		},
	}
}

// New returns a client whose API calls go through limiter.
func New(cfg Config, limiter Limiter) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DatasetPath == "" {
		cfg.DatasetPath = DefaultDatasetPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = NewHTTPClient(cfg.Timeout)
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		datasetPath: strings.Trim(cfg.DatasetPath, "/"),
		params:      cfg.Params,
		http:        hc,
		limiter:     limiter,
	}
}

// DatasetSlug returns the slug used in downloaded file names.
func (c *Client) DatasetSlug() string { return DatasetSlug(c.datasetPath) }

func (c *Client) endpoint(ext string) string {
	return c.baseURL + "/" + c.datasetPath + ext
}

// DownloadCSV downloads one year for the configured point into outDir and
// returns the file path. The file appears only once fully written.
func (c *Client) DownloadCSV(ctx context.Context, year int, outDir string) (string, error) {
	lon, lat, err := ParsePointWKT(c.params.WKT)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", outDir, err)
	}
	out := RawFilePath(outDir, c.DatasetSlug(), year, lon, lat)

	var written int64
	err = c.limiter.Do(ctx, ratelimit.ClassBulk, func(ctx context.Context) error {
		return c.get(ctx, "download csv", string(ratelimit.ClassBulk), c.endpoint(".csv"), c.params.Values(strconv.Itoa(year)),
			func(resp *http.Response) error {
				n, err := writeBodyToFile(out, resp.Body)
				written = n
				return err
			})
	})
	if err != nil {
		return "", err
	}
	logging.FromContext(ctx).Info("downloaded CSV", "year", year, "path", out, "bytes", written)
	return out, nil
}

// AsyncAck is the API's acknowledgment of an asynchronous request.
type AsyncAck struct {
	DownloadURL string
	Message     string
	Errors      []string
	Warnings    []string
	Raw         []byte
}

// ParseAck extracts the fields of an acknowledgment body.
func ParseAck(raw []byte) (*AsyncAck, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("nrel: acknowledgment is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	ack := &AsyncAck{
		DownloadURL: root.Get("outputs.downloadUrl").String(),
		Message:     root.Get("outputs.message").String(),
		Raw:         raw,
	}
	root.Get("errors").ForEach(func(_, v gjson.Result) bool {
		ack.Errors = append(ack.Errors, v.String())
		return true
	})
	root.Get("warnings").ForEach(func(_, v gjson.Result) bool {
		ack.Warnings = append(ack.Warnings, v.String())
		return true
	})
	return ack, nil
}

// RequestAsync asks the API to prepare an archive for years. The returned
// acknowledgment carries the download URL, which is often only usable
// once the API has emailed the requester. A rejected request returns the
// acknowledgment together with ErrRequestRejected.
func (c *Client) RequestAsync(ctx context.Context, years []int) (*AsyncAck, error) {
	if len(years) == 0 {
		return nil, fmt.Errorf("nrel: no years requested")
	}
	var body []byte
	err := c.limiter.Do(ctx, ratelimit.ClassInteractive, func(ctx context.Context) error {
		return c.get(ctx, "request async", string(ratelimit.ClassInteractive), c.endpoint(".json"), c.params.AsyncValues(JoinYears(years)),
			func(resp *http.Response) error {
				b, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
				body = b
				return err
			})
	})
	if err != nil {
		return nil, err
	}

	ack, err := ParseAck(body)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx)
	for _, w := range ack.Warnings {
		log.Warn("API warning", "warning", w)
	}
	if len(ack.Errors) > 0 {
		return ack, fmt.Errorf("%w: %s", ErrRequestRejected, strings.Join(ack.Errors, "; "))
	}
	log.Info("async request acknowledged", "years", JoinYears(years), "download_url", ack.DownloadURL != "")
	return ack, nil
}

// SaveAck writes the raw acknowledgment to dir as wtk_raw_<ts>.json.
func SaveAck(dir string, ack *AsyncAck, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "wtk_raw_"+now.UTC().Format(TimestampLayout)+".json")
	if _, err := writeBodyToFile(path, bytes.NewReader(ack.Raw)); err != nil {
		return "", fmt.Errorf("save acknowledgment: %w", err)
	}
	return path, nil
}

// FetchDownload downloads the archive at rawURL into outDir as
// wtk_data_<ts>.zip. It is not rate limited.
func (c *Client) FetchDownload(ctx context.Context, rawURL, outDir string, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("nrel: invalid download URL %q", RedactURL(rawURL))
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", outDir, err)
	}
	out := filepath.Join(outDir, "wtk_data_"+now.UTC().Format(TimestampLayout)+".zip")

	var written int64
	err = c.get(ctx, "fetch download", "download", rawURL, nil, func(resp *http.Response) error {
		n, err := writeBodyToFile(out, resp.Body)
		written = n
		return err
	})
	if err != nil {
		return "", err
	}
	logging.FromContext(ctx).Info("downloaded archive", "path", out, "bytes", written)
	return out, nil
}

// get performs one GET and hands a 2xx response to handle. Failures become
// *TransportError.
func (c *Client) get(ctx context.Context, op, class, endpoint string, query url.Values, handle func(*http.Response) error) error {
	full := endpoint
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	redacted := RedactURL(full)
	log := logging.FromContext(ctx).With("op", op, "url", redacted)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return &TransportError{Op: op, URL: redacted, Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRequest(class, 0, time.Since(start))
		log.Error("request failed", "error", stripURLError(err))
		return &TransportError{Op: op, URL: redacted, Err: stripURLError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.RecordRequest(class, resp.StatusCode, time.Since(start))
		log.Error("request rejected", "status", resp.StatusCode)
		return &TransportError{Op: op, URL: redacted, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := handle(resp); err != nil {
		metrics.RecordRequest(class, 0, time.Since(start))
		return &TransportError{Op: op, URL: redacted, Err: stripURLError(err)}
	}
	metrics.RecordRequest(class, resp.StatusCode, time.Since(start))
	log.Debug("request complete", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// writeBodyToFile streams r into a temp file beside path and renames it
// into place. The temp file is removed on failure.
func writeBodyToFile(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wtk-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}
