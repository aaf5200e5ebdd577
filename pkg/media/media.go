// Package media fetches shared file content from the media/document
// service.
package media

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ErrFileNotFound reports a fileId the media service does not know.
var ErrFileNotFound = errors.New("file not found")

// MaxFileBytes bounds one fetched file.
const MaxFileBytes = 50 * 1024 * 1024

// File is a fetched media object.
type File struct {
	ID       string
	Name     string
	MimeType string
	Data     []byte
}

// Fetcher resolves a fileId into content and mime type.
type Fetcher interface {
	Fetch(ctx context.Context, fileID string) (*File, error)
}

// HTTPFetcher retrieves files from an HTTP media service. The service
// reports the mime type in Content-Type and the display name in an optional
// X-File-Name header.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
}

var _ Fetcher = &HTTPFetcher{}

func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, fileID string) (*File, error) {
	u := f.baseURL + "/files/" + url.PathEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building file request")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching file")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrFileNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("media service returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading file body")
	}
	if len(data) > MaxFileBytes {
		return nil, errors.Errorf("file exceeds %d bytes", MaxFileBytes)
	}

	name := resp.Header.Get("X-File-Name")
	if name == "" {
		name = fileID
	}
	return &File{
		ID:       fileID,
		Name:     name,
		MimeType: resp.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}
