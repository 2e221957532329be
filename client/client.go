// Package client talks to the chunked upload HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotFound is returned when the server does not know the upload.
var ErrNotFound = errors.New("upload not found")

// ErrNotReady is returned when a download is requested before the upload completed.
var ErrNotReady = errors.New("upload is not completed yet")

// HTTPError is a non-successful API response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Params ...
type Params struct {
	BaseURL string
	// OwnerID is sent in the X-Owner-ID header.
	OwnerID string
	// Token is sent as a Bearer token, for deployments behind an authenticating proxy.
	Token string
	// Compress sends chunk payloads zstd encoded.
	Compress bool
	// ChunkHTTPClient sends chunks. Defaults to DefaultChunkHTTPClient.
	ChunkHTTPClient *http.Client
}

// Client ...
type Client struct {
	baseURL     string
	ownerID     string
	token       string
	compress    bool
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	logger      log.Logger
}

// Chunk is one chunk submission.
type Chunk struct {
	UploadID    string
	Index       int
	TotalChunks int
	TotalSize   int64
	Filename    string
	MimeType    string
	Data        []byte
}

// Status is the server view of an upload.
type Status struct {
	UploadID      string        `json:"upload_id"`
	Status        upload.Status `json:"status"`
	IsComplete    bool          `json:"is_complete"`
	TotalChunks   int           `json:"total_chunks"`
	Filename      string        `json:"filename"`
	MissingChunks []int         `json:"missing_chunks"`
}

// Upload is a completed upload as listed by the server.
type Upload struct {
	UploadID    string        `json:"upload_id"`
	Filename    string        `json:"filename"`
	MimeType    string        `json:"mime_type"`
	TotalSize   int64         `json:"total_size"`
	TotalChunks int           `json:"total_chunks"`
	StoragePath string        `json:"storage_path"`
	Status      upload.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DefaultChunkHTTPClient creates an HTTP client tuned for parallel chunk sends.
// It does not retry, the caller owns the per-chunk retry policy.
func DefaultChunkHTTPClient() *http.Client {
	return &http.Client{
		// Individual chunk deadlines come from the request context.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// New ...
func New(params Params, logger log.Logger) (*Client, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if _, err := url.ParseRequestURI(params.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	httpClient := retryhttp.NewClient(logger)
	httpClient.CheckRetry = createCustomRetryFunction(logger)

	chunkClient := params.ChunkHTTPClient
	if chunkClient == nil {
		chunkClient = DefaultChunkHTTPClient()
	}

	return &Client{
		baseURL:     strings.TrimSuffix(params.BaseURL, "/"),
		ownerID:     params.OwnerID,
		token:       params.Token,
		compress:    params.Compress,
		httpClient:  httpClient,
		chunkClient: chunkClient,
		logger:      logger,
	}, nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
		return retry, err
	}
}

// Initiate asks the server for a new upload id.
func (c *Client) Initiate(ctx context.Context) (string, error) {
	var response struct {
		UploadID string `json:"upload_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/upload/init", http.StatusOK, &response); err != nil {
		return "", err
	}
	if response.UploadID == "" {
		return "", fmt.Errorf("server returned an empty upload id")
	}
	return response.UploadID, nil
}

// SendChunk submits one chunk once, without retrying.
func (c *Client) SendChunk(ctx context.Context, chunk Chunk) (Status, error) {
	payload := chunk.Data
	encoding := compression.Identity
	if c.compress {
		compressed, err := compression.Compress(chunk.Data)
		if err != nil {
			return Status{}, err
		}
		payload = compressed
		encoding = compression.Zstd
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{
		{"upload_id", chunk.UploadID},
		{"chunk_number", strconv.Itoa(chunk.Index)},
		{"total_chunks", strconv.Itoa(chunk.TotalChunks)},
		{"total_size", strconv.FormatInt(chunk.TotalSize, 10)},
		{"filename", chunk.Filename},
		{"mime_type", chunk.MimeType},
	}
	if encoding != compression.Identity {
		fields = append(fields, [2]string{"chunk_encoding", string(encoding)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return Status{}, fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	part, err := w.CreateFormFile("chunk", "blob")
	if err != nil {
		return Status{}, fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return Status{}, fmt.Errorf("write chunk part: %w", err)
	}
	if err := w.Close(); err != nil {
		return Status{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/chunk", &body)
	if err != nil {
		return Status{}, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req.Header)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("send chunk %d: %w", chunk.Index, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Status{}, unwrapError(resp)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("decode chunk response: %w", err)
	}
	return status, nil
}

// Status returns ErrNotFound for unknown uploads.
func (c *Client) Status(ctx context.Context, uploadID string) (Status, error) {
	var status Status
	err := c.doJSON(ctx, http.MethodGet, "/upload/"+url.PathEscape(uploadID)+"/status", http.StatusOK, &status)
	return status, err
}

// Delete removes the upload on the server. Deleting an unknown upload is not an error.
func (c *Client) Delete(ctx context.Context, uploadID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/upload/"+url.PathEscape(uploadID), http.StatusOK, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListUploads returns the caller's completed uploads, newest first.
func (c *Client) ListUploads(ctx context.Context) ([]Upload, error) {
	var response struct {
		Uploads []Upload `json:"uploads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/upload/uploads", http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Uploads, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, expectedStatus int, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != expectedStatus {
		return unwrapError(resp)
	}
	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	if c.ownerID != "" {
		h.Set("X-Owner-ID", c.ownerID)
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errorResp))}
}
