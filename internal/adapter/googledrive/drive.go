package googledrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/metrics"
	"github.com/jun/drivesync/internal/model"
)

const (
	folderMimeType    = "application/vnd.google-apps.folder"
	workspacePrefix   = "application/vnd.google-apps."
	fileFields        = "id, name, mimeType, size, createdTime, modifiedTime, owners, permissions, capabilities, shared, trashed, iconLink, webViewLink, version, lastModifyingUser"
	listFields        = "nextPageToken, files(" + fileFields + ")"
	listOrder         = "modifiedTime desc"
	maxContentBytes   = 64 << 20
	defaultExportMime = "application/pdf"
)

// exportDefaults maps Workspace document types to the export format used
// when the caller does not ask for one.
var exportDefaults = map[string]string{
	"application/vnd.google-apps.document":     "text/plain",
	"application/vnd.google-apps.spreadsheet":  "text/csv",
	"application/vnd.google-apps.presentation": "text/plain",
	"application/vnd.google-apps.drawing":      "image/png",
}

// Client implements adapter.Provider for Google Drive.
type Client struct {
	service    *drive.Service
	limiter    *rate.Limiter
	maxContent int64
}

type clientOptions struct {
	endpoint   string
	qps        float64
	burst      int
	maxContent int64
}

// Option customizes NewClient.
type Option func(*clientOptions)

// WithEndpoint points the client at a different API base URL.
func WithEndpoint(url string) Option {
	return func(o *clientOptions) { o.endpoint = url }
}

// WithRateLimit caps request rate. qps <= 0 disables throttling.
func WithRateLimit(qps float64, burst int) Option {
	return func(o *clientOptions) {
		o.qps = qps
		o.burst = burst
	}
}

// WithMaxContentBytes caps downloads; larger files fail with
// adapter.ErrContentTooLarge. n <= 0 keeps the default.
func WithMaxContentBytes(n int64) Option {
	return func(o *clientOptions) { o.maxContent = n }
}

// NewClient creates a Client. httpClient must carry the user's credentials.
func NewClient(ctx context.Context, httpClient *http.Client, opts ...Option) (*Client, error) {
	o := clientOptions{qps: 10, burst: 5}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxContent <= 0 {
		o.maxContent = maxContentBytes
	}

	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if o.endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(o.endpoint))
	}
	srv, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive client: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if o.qps > 0 {
		if o.burst < 1 {
			o.burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(o.qps), o.burst)
	}
	return &Client{service: srv, limiter: limiter, maxContent: o.maxContent}, nil
}

// Factory returns an adapter.ProviderFactory producing Clients with opts.
func Factory(opts ...Option) adapter.ProviderFactory {
	return func(ctx context.Context, httpClient *http.Client) (adapter.Provider, error) {
		return NewClient(ctx, httpClient, opts...)
	}
}

// ListFiles returns one page of files, newest modification first.
func (c *Client) ListFiles(ctx context.Context, opts adapter.ListOptions) (*adapter.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := c.service.Files.List().
		Context(ctx).
		Fields(googleapi.Field(listFields)).
		OrderBy(listOrder)
	if opts.PageSize > 0 {
		call = call.PageSize(int64(opts.PageSize))
	}
	if opts.PageCursor != "" {
		call = call.PageToken(opts.PageCursor)
	}
	if q := adapter.BuildQuery(opts); q != "" {
		call = call.Q(q)
	}

	r, err := call.Do()
	metrics.ProviderRequest("list", err)
	if err != nil {
		return nil, wrapError("unable to list files", err)
	}

	files := make([]model.RawFileRecord, 0, len(r.Files))
	for _, f := range r.Files {
		rec, err := toRecord(f)
		if err != nil {
			return nil, err
		}
		files = append(files, rec)
	}
	return &adapter.Page{
		Files:      files,
		NextCursor: r.NextPageToken,
		HasMore:    r.NextPageToken != "",
	}, nil
}

// GetFile returns the metadata of one file.
func (c *Client) GetFile(ctx context.Context, fileID string) (model.RawFileRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	f, err := c.service.Files.Get(fileID).
		Context(ctx).
		SupportsAllDrives(true).
		Fields(googleapi.Field(fileFields)).
		Do()
	metrics.ProviderRequest("get", err)
	if err != nil {
		return nil, wrapError("unable to get file "+fileID, err)
	}
	return toRecord(f)
}

// GetFileContent downloads binary files and exports Workspace documents.
func (c *Client) GetFileContent(ctx context.Context, fileID, exportMime string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	f, err := c.service.Files.Get(fileID).Context(ctx).SupportsAllDrives(true).Fields("id, mimeType").Do()
	metrics.ProviderRequest("get", err)
	if err != nil {
		return nil, wrapError("unable to get file "+fileID, err)
	}
	if f.MimeType == folderMimeType {
		return nil, fmt.Errorf("file %s is a folder", fileID)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp *http.Response
	if strings.HasPrefix(f.MimeType, workspacePrefix) {
		if exportMime == "" {
			exportMime = exportDefaults[f.MimeType]
		}
		if exportMime == "" {
			exportMime = defaultExportMime
		}
		resp, err = c.service.Files.Export(fileID, exportMime).Context(ctx).Download()
		metrics.ProviderRequest("export", err)
	} else {
		resp, err = c.service.Files.Get(fileID).Context(ctx).SupportsAllDrives(true).Download()
		metrics.ProviderRequest("download", err)
	}
	if err != nil {
		return nil, wrapError("unable to download file "+fileID, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, c.maxContent+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read file content: %w", err)
	}
	if int64(len(content)) > c.maxContent {
		return nil, fmt.Errorf("file %s exceeds %d bytes: %w", fileID, c.maxContent, adapter.ErrContentTooLarge)
	}
	return content, nil
}

// toRecord converts a Drive file into the loosely typed record the processor
// validates. Numbers stay json.Number so sizes are not rounded.
func toRecord(f *drive.File) (model.RawFileRecord, error) {
	raw, err := f.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("unable to encode file %s: %w", f.Id, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec model.RawFileRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("unable to decode file %s: %w", f.Id, err)
	}
	return rec, nil
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}

func isUnauthorized(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusUnauthorized
}

func wrapError(msg string, err error) error {
	switch {
	case isNotFound(err):
		return fmt.Errorf("%s: %w: %w", msg, adapter.ErrNotFound, err)
	case isUnauthorized(err):
		return fmt.Errorf("%s: %w: %w", msg, adapter.ErrUnauthorized, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
