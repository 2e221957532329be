package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/melbahja/got"
)

// Download saves the final file of a completed upload to dest.
// Returns ErrNotFound for unknown uploads and ErrNotReady while the upload is not completed.
func (c *Client) Download(ctx context.Context, uploadID, dest string) error {
	status, err := c.Status(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("get upload status: %w", err)
	}
	if status.Status != upload.StatusCompleted {
		return ErrNotReady
	}

	c.logger.Debugf("Download %s to %s", uploadID, dest)
	downloadURL := c.baseURL + "/upload/" + url.PathEscape(uploadID) + "/download"
	if err := downloadFile(ctx, c.downloadHTTPClient(), downloadURL, dest); err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	return nil
}

func (c *Client) downloadHTTPClient() *http.Client {
	std := c.httpClient.StandardClient()
	header := http.Header{}
	c.setHeaders(header)
	return &http.Client{
		Transport: headerTransport{base: std.Transport, header: header},
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

// headerTransport adds the identity headers to every request got makes.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.header) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.header {
			req.Header[k] = v
		}
	}
	return t.base.RoundTrip(req)
}
