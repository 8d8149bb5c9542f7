package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL      = time.Minute
	defaultWorkerTimeout = 15 * time.Second
	defaultMaxHTMLBytes  = 2 << 20
	defaultMaxAPIBytes   = 4 << 20
	maxAPIPages          = 10

	headerAccept       = "Accept"
	headerContentType  = "Content-Type"
	headerRange        = "Range"
	headerContentRange = "Content-Range"
	headerAcceptRanges = "Accept-Ranges"
	headerLastModified = "Last-Modified"
	headerETag         = "ETag"

	contentTypeJSON       = "application/json"
	acceptHTML            = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5"
	defaultDownloadType   = "application/octet-stream"
	nextPageTokenKey      = "nextPageToken"
	structuredFilesKey    = "files"
	structuredDataKey     = "data"
	stageStructured       = "structured"
	stageHTML             = "html"
	stageRender           = "render"
	stageDownload         = "download"
	logEventListingServed = "drive_listing_fetched"
)

var (
	// ErrInvalidWorkerURL reports a missing or unusable worker base URL.
	ErrInvalidWorkerURL = errors.New("invalid_worker_url")
	// ErrUpstreamStatus reports a worker response with status >= 400.
	ErrUpstreamStatus = errors.New("upstream_status")
	// ErrUpstreamUnavailable reports a transport failure talking to the worker.
	ErrUpstreamUnavailable = errors.New("upstream_unavailable")
	// ErrNotFound reports a Drive path the worker does not know.
	ErrNotFound = errors.New("drive_path_not_found")
)

// ListingObserver receives fetch outcomes, typically for metrics.
type ListingObserver interface {
	ObserveListing(source Source, duration time.Duration)
	ObserveUpstreamError(stage string)
}

type nopObserver struct{}

func (nopObserver) ObserveListing(Source, time.Duration) {}
func (nopObserver) ObserveUpstreamError(string)          {}

// ClientConfig configures a WorkerClient.
type ClientConfig struct {
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Renderer     Renderer
	Observer     ListingObserver
	CacheTTL     time.Duration
	MaxHTMLBytes int64
	Clock        func() time.Time
}

// Download is an open file stream relayed from the worker.
type Download struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentType   string
	ContentLength int64
	ContentRange  string
	AcceptRanges  string
	LastModified  string
	ETag          string
	Filename      string
}

type listingCacheEntry struct {
	listing Listing
	expires time.Time
}

// WorkerClient talks to the Drive worker.
type WorkerClient struct {
	baseURL      *url.URL
	httpClient   *http.Client
	logger       *zap.Logger
	renderer     Renderer
	observer     ListingObserver
	cacheTTL     time.Duration
	maxHTMLBytes int64
	now          func() time.Time
	cache        sync.Map
	group        singleflight.Group
}

// NewWorkerClient validates the worker URL and fills in defaults.
func NewWorkerClient(config ClientConfig) (*WorkerClient, error) {
	baseURL, parseErr := url.Parse(strings.TrimSpace(config.BaseURL))
	if parseErr != nil || baseURL == nil || baseURL.Host == "" || (baseURL.Scheme != "http" && baseURL.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkerURL, config.BaseURL)
	}
	baseURL.RawQuery = ""
	baseURL.Fragment = ""
	baseURL.RawPath = ""
	baseURL.Path = strings.TrimSuffix(baseURL.Path, "/")

	client := &WorkerClient{
		baseURL:      baseURL,
		httpClient:   config.HTTPClient,
		logger:       config.Logger,
		renderer:     config.Renderer,
		observer:     config.Observer,
		cacheTTL:     config.CacheTTL,
		maxHTMLBytes: config.MaxHTMLBytes,
		now:          config.Clock,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultWorkerTimeout}
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	if client.observer == nil {
		client.observer = nopObserver{}
	}
	if client.cacheTTL == 0 {
		client.cacheTTL = defaultCacheTTL
	}
	if client.maxHTMLBytes <= 0 {
		client.maxHTMLBytes = defaultMaxHTMLBytes
	}
	if client.now == nil {
		client.now = time.Now
	}
	return client, nil
}

// List returns the entries under a Drive directory. Fresh cached listings are served without
// contacting the worker and concurrent misses for one path share a single upstream fetch.
func (client *WorkerClient) List(ctx context.Context, rawPath string) (Listing, error) {
	directoryPath, pathErr := NormalizeDirectoryPath(rawPath)
	if pathErr != nil {
		return Listing{}, pathErr
	}

	if cached, ok := client.cachedListing(directoryPath); ok {
		return cached, nil
	}

	result, fetchErr, _ := client.group.Do(directoryPath, func() (any, error) {
		if cached, ok := client.cachedListing(directoryPath); ok {
			return cached, nil
		}
		listing, err := client.fetchListing(context.WithoutCancel(ctx), directoryPath)
		if err != nil {
			return Listing{}, err
		}
		if client.cacheTTL > 0 {
			client.cache.Store(directoryPath, &listingCacheEntry{listing: listing, expires: client.now().Add(client.cacheTTL)})
		}
		return listing, nil
	})
	if fetchErr != nil {
		return Listing{}, fetchErr
	}
	return result.(Listing).clone(), nil
}

// Invalidate drops the cached listing of a Drive directory.
func (client *WorkerClient) Invalidate(rawPath string) {
	if directoryPath, err := NormalizeDirectoryPath(rawPath); err == nil {
		client.cache.Delete(directoryPath)
	}
}

func (client *WorkerClient) cachedListing(directoryPath string) (Listing, bool) {
	entryValue, ok := client.cache.Load(directoryPath)
	if !ok {
		return Listing{}, false
	}
	entry := entryValue.(*listingCacheEntry)
	if !client.now().Before(entry.expires) {
		client.cache.CompareAndDelete(directoryPath, entryValue)
		return Listing{}, false
	}
	return entry.listing.clone(), true
}

func (client *WorkerClient) fetchListing(ctx context.Context, directoryPath string) (Listing, error) {
	startedAt := client.now()
	target := client.resolve(directoryPath)

	listing, structured, structuredErr := client.fetchStructured(ctx, target, directoryPath)
	if structuredErr != nil {
		client.observer.ObserveUpstreamError(stageStructured)
		return Listing{}, structuredErr
	}
	if !structured {
		var htmlErr error
		listing, htmlErr = client.fetchHTML(ctx, target)
		if htmlErr != nil {
			client.observer.ObserveUpstreamError(stageHTML)
			return Listing{}, htmlErr
		}
	}
	if listing.Source == SourceEmpty && client.renderer != nil {
		if rendered, renderErr := client.renderer.Render(ctx, target.String()); renderErr != nil {
			client.observer.ObserveUpstreamError(stageRender)
			client.logger.Warn("drive_render_failed", zap.String("path", directoryPath), zap.Error(renderErr))
		} else {
			listing = ParseListing(rendered, target)
		}
	}

	listing = listing.rebase(directoryPath)
	listing.FetchedAt = client.now().UTC()
	duration := client.now().Sub(startedAt)
	client.observer.ObserveListing(listing.Source, duration)
	client.logger.Debug(
		logEventListingServed,
		zap.String("path", directoryPath),
		zap.String("source", string(listing.Source)),
		zap.Int("entries", len(listing.Files)),
		zap.Duration("duration", duration),
	)
	return listing, nil
}

type structuredRequest struct {
	Password  string  `json:"password"`
	PageToken *string `json:"page_token"`
	PageIndex int     `json:"page_index"`
}

// fetchStructured asks the worker for its JSON listing. It reports false when the worker does
// not answer with a JSON files array, so the caller can fall back to the HTML page.
func (client *WorkerClient) fetchStructured(ctx context.Context, target *url.URL, directoryPath string) (Listing, bool, error) {
	collector := newEntryCollector()
	var pageToken *string
	for pageIndex := 0; pageIndex < maxAPIPages; pageIndex++ {
		payload, ok, err := client.postListingPage(ctx, target, structuredRequest{PageToken: pageToken, PageIndex: pageIndex})
		if err != nil {
			return Listing{}, false, err
		}
		if !ok {
			if pageIndex == 0 {
				return Listing{}, false, nil
			}
			break
		}
		entries, hasFiles := structuredEntries(payload)
		if !hasFiles {
			if pageIndex == 0 {
				return Listing{}, false, nil
			}
			break
		}
		for _, file := range convertEntries(entries, target, directoryPath) {
			collector.add(file)
		}
		nextToken, _ := payload[nextPageTokenKey].(string)
		if strings.TrimSpace(nextToken) == "" || collector.full() {
			break
		}
		pageToken = &nextToken
	}
	return newListing(directoryPath, SourceAPI, collector.files), true, nil
}

func (client *WorkerClient) postListingPage(ctx context.Context, target *url.URL, body structuredRequest) (map[string]any, bool, error) {
	encoded, encodeErr := json.Marshal(body)
	if encodeErr != nil {
		return nil, false, encodeErr
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(encoded))
	if requestErr != nil {
		return nil, false, requestErr
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	request.Header.Set(headerAccept, contentTypeJSON)

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, doErr)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, false, ErrNotFound
	}
	if response.StatusCode != http.StatusOK || !isJSONContentType(response.Header.Get(headerContentType)) {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, defaultMaxAPIBytes))
		return nil, false, nil
	}

	decoder := json.NewDecoder(io.LimitReader(response.Body, defaultMaxAPIBytes))
	decoder.UseNumber()
	var payload map[string]any
	if decodeErr := decoder.Decode(&payload); decodeErr != nil {
		client.logger.Debug("drive_structured_decode_failed", zap.String("url", target.String()), zap.Error(decodeErr))
		return nil, false, nil
	}
	return payload, true, nil
}

func structuredEntries(payload map[string]any) ([]map[string]any, bool) {
	files, ok := payload[structuredFilesKey].([]any)
	if !ok {
		data, dataOK := payload[structuredDataKey].(map[string]any)
		if !dataOK {
			return nil, false
		}
		files, ok = data[structuredFilesKey].([]any)
		if !ok {
			return nil, false
		}
	}
	entries := make([]map[string]any, 0, len(files))
	for _, element := range files {
		if object, isObject := element.(map[string]any); isObject {
			entries = append(entries, object)
		}
	}
	return entries, true
}

func (client *WorkerClient) fetchHTML(ctx context.Context, target *url.URL) (Listing, error) {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if requestErr != nil {
		return Listing{}, requestErr
	}
	request.Header.Set(headerAccept, acceptHTML)

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return Listing{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, doErr)
	}
	defer response.Body.Close()

	if err := statusError(response.StatusCode); err != nil {
		return Listing{}, err
	}

	document, readErr := io.ReadAll(io.LimitReader(response.Body, client.maxHTMLBytes))
	if readErr != nil {
		return Listing{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, readErr)
	}
	return ParseListing(document, target), nil
}

// Open streams a Drive file from the worker. A non-empty rangeHeader is forwarded verbatim.
// The caller must close the returned body.
func (client *WorkerClient) Open(ctx context.Context, rawPath string, rangeHeader string) (*Download, error) {
	filePath, pathErr := NormalizeFilePath(rawPath)
	if pathErr != nil {
		return nil, pathErr
	}
	target := client.resolve(filePath)

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if requestErr != nil {
		return nil, requestErr
	}
	if trimmedRange := strings.TrimSpace(rangeHeader); trimmedRange != "" {
		request.Header.Set(headerRange, trimmedRange)
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		client.observer.ObserveUpstreamError(stageDownload)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, doErr)
	}
	if err := statusError(response.StatusCode); err != nil {
		response.Body.Close()
		client.observer.ObserveUpstreamError(stageDownload)
		return nil, err
	}

	contentType := strings.TrimSpace(response.Header.Get(headerContentType))
	if contentType == "" {
		contentType = defaultDownloadType
	}
	return &Download{
		Body:          response.Body,
		StatusCode:    response.StatusCode,
		ContentType:   contentType,
		ContentLength: response.ContentLength,
		ContentRange:  response.Header.Get(headerContentRange),
		AcceptRanges:  response.Header.Get(headerAcceptRanges),
		LastModified:  response.Header.Get(headerLastModified),
		ETag:          response.Header.Get(headerETag),
		Filename:      filePath[strings.LastIndex(filePath, "/")+1:],
	}, nil
}

// resolve maps a normalized Drive path onto the worker URL.
func (client *WorkerClient) resolve(drivePath string) *url.URL {
	target := *client.baseURL
	target.Path = client.baseURL.Path + drivePath
	target.RawPath = ""
	return &target
}

func statusError(statusCode int) error {
	switch {
	case statusCode == http.StatusNotFound:
		return ErrNotFound
	case statusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrUpstreamStatus, strconv.Itoa(statusCode))
	}
	return nil
}

func isJSONContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return mediaType == contentTypeJSON || strings.HasSuffix(mediaType, "+json")
}
