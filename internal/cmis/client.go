package cmis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "cmisync/0.1"
)

// defaultCallTimeout bounds a single repository call. Expiry surfaces as a
// transport failure to the caller.
const defaultCallTimeout = 2 * time.Minute

// Client is an HTTP client for a CMIS 1.1 Browser-binding repository.
// It handles request construction, authentication, retry with exponential
// backoff, and error classification. Client implements Session.
type Client struct {
	serviceURL string // e.g. "https://host/alfresco/api/-default-/public/cmis/versions/1.1/browser"
	repoID     string
	httpClient *http.Client
	auth       Authenticator
	logger     *slog.Logger

	callTimeout time.Duration

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Browser-binding client for the given repository.
func NewClient(serviceURL, repoID string, httpClient *http.Client, auth Authenticator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		serviceURL:  strings.TrimRight(serviceURL, "/"),
		repoID:      repoID,
		httpClient:  httpClient,
		auth:        auth,
		logger:      logger,
		callTimeout: defaultCallTimeout,
		sleepFunc:   timeSleep,
	}
}

// timeSleep waits for d or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// repoURL is the repository-level endpoint (repositoryInfo, contentChanges).
func (c *Client) repoURL() string {
	return c.serviceURL + "/" + url.PathEscape(c.repoID)
}

// rootURL is the object-level endpoint rooted at the repository root folder.
func (c *Client) rootURL() string {
	return c.repoURL() + "/root"
}

// RepositoryInfo fetches repository metadata including the latest change
// log token and the changes capability.
func (c *Client) RepositoryInfo(ctx context.Context) (*RepositoryInfo, error) {
	var raw map[string]struct {
		RepositoryID         string `json:"repositoryId"`
		RepositoryName       string `json:"repositoryName"`
		ProductName          string `json:"productName"`
		RootFolderID         string `json:"rootFolderId"`
		LatestChangeLogToken string `json:"latestChangeLogToken"`
		Capabilities         struct {
			CapabilityChanges string `json:"capabilityChanges"`
		} `json:"capabilities"`
	}

	if err := c.getJSON(ctx, c.serviceURL, nil, &raw); err != nil {
		return nil, fmt.Errorf("cmis: repository info: %w", err)
	}

	info, ok := raw[c.repoID]
	if !ok {
		return nil, fmt.Errorf("cmis: repository %q not found in service document", c.repoID)
	}

	return &RepositoryInfo{
		ID:                   info.RepositoryID,
		Name:                 info.RepositoryName,
		ProductName:          info.ProductName,
		RootFolderID:         info.RootFolderID,
		LatestChangeLogToken: info.LatestChangeLogToken,
		ChangesCapability:    info.Capabilities.CapabilityChanges,
	}, nil
}

// ChangeLogToken returns the repository's latest change log token.
func (c *Client) ChangeLogToken(ctx context.Context) (string, error) {
	info, err := c.RepositoryInfo(ctx)
	if err != nil {
		return "", err
	}

	if info.ChangesCapability == "" || info.ChangesCapability == "none" {
		return "", ErrChangeLogUnsupported
	}

	return info.LatestChangeLogToken, nil
}

// ContentChanges fetches one page of the change log starting at token.
func (c *Client) ContentChanges(ctx context.Context, token string, maxItems int) (*ChangeBatch, error) {
	q := url.Values{
		"cmisselector": {"contentChanges"},
		"maxItems":     {strconv.Itoa(maxItems)},
	}
	if token != "" {
		q.Set("changeLogToken", token)
	}

	var raw struct {
		Objects []struct {
			Object struct {
				ChangeEventInfo struct {
					ChangeType string `json:"changeType"`
					ChangeTime int64  `json:"changeTime"` // epoch milliseconds
				} `json:"changeEventInfo"`
				SuccinctProperties map[string]any `json:"succinctProperties"`
			} `json:"object"`
		} `json:"objects"`
		ChangeLogToken string `json:"changeLogToken"`
		HasMoreItems   bool   `json:"hasMoreItems"`
	}

	if err := c.getJSON(ctx, c.repoURL(), q, &raw); err != nil {
		return nil, fmt.Errorf("cmis: content changes: %w", err)
	}

	batch := &ChangeBatch{
		LatestToken: raw.ChangeLogToken,
		HasMore:     raw.HasMoreItems,
	}

	for _, o := range raw.Objects {
		ev := ChangeEvent{
			ObjectID: propString(o.Object.SuccinctProperties, "cmis:objectId"),
			Type:     ChangeType(o.Object.ChangeEventInfo.ChangeType),
		}
		if ms := o.Object.ChangeEventInfo.ChangeTime; ms != 0 {
			ev.Time = time.UnixMilli(ms)
		}

		batch.Events = append(batch.Events, ev)
	}

	return batch, nil
}

// Object fetches an object by id.
func (c *Client) Object(ctx context.Context, id string) (*Object, error) {
	q := url.Values{
		"cmisselector": {"object"},
		"objectId":     {id},
		"succinct":     {"true"},
	}

	var raw objectJSON
	if err := c.getJSON(ctx, c.rootURL(), q, &raw); err != nil {
		return nil, fmt.Errorf("cmis: get object %s: %w", id, err)
	}

	return raw.toObject(), nil
}

// ObjectByPath fetches an object by its repository path.
func (c *Client) ObjectByPath(ctx context.Context, path string) (*Object, error) {
	q := url.Values{
		"cmisselector": {"object"},
		"succinct":     {"true"},
	}

	var raw objectJSON
	if err := c.getJSON(ctx, c.rootURL()+escapePath(path), q, &raw); err != nil {
		return nil, fmt.Errorf("cmis: get object by path %s: %w", path, err)
	}

	return raw.toObject(), nil
}

// Children lists the direct children of a folder.
func (c *Client) Children(ctx context.Context, folderID string) ([]Object, error) {
	q := url.Values{
		"cmisselector": {"children"},
		"objectId":     {folderID},
		"succinct":     {"true"},
	}

	var raw struct {
		Objects []struct {
			Object objectJSON `json:"object"`
		} `json:"objects"`
	}

	if err := c.getJSON(ctx, c.rootURL(), q, &raw); err != nil {
		return nil, fmt.Errorf("cmis: children of %s: %w", folderID, err)
	}

	children := make([]Object, 0, len(raw.Objects))
	for _, o := range raw.Objects {
		children = append(children, *o.Object.toObject())
	}

	return children, nil
}

// CreateFolder creates a folder under parentID.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Object, error) {
	form := url.Values{
		"cmisaction":       {"createFolder"},
		"objectId":         {parentID},
		"propertyId[0]":    {"cmis:objectTypeId"},
		"propertyValue[0]": {"cmis:folder"},
		"propertyId[1]":    {"cmis:name"},
		"propertyValue[1]": {name},
		"succinct":         {"true"},
	}

	var raw objectJSON
	if err := c.postForm(ctx, c.rootURL(), form, &raw); err != nil {
		return nil, fmt.Errorf("cmis: create folder %q: %w", name, err)
	}

	return raw.toObject(), nil
}

// CreateDocument creates a document with content under parentID.
func (c *Client) CreateDocument(ctx context.Context, parentID, name string, content io.Reader, size int64) (*Object, error) {
	props := map[string]string{
		"cmis:objectTypeId": "cmis:document",
		"cmis:name":         name,
	}

	var raw objectJSON
	if err := c.postMultipart(ctx, c.rootURL(), "createDocument", parentID, props, name, content, size, &raw); err != nil {
		return nil, fmt.Errorf("cmis: create document %q: %w", name, err)
	}

	return raw.toObject(), nil
}

// UpdateContent replaces the content stream of an existing document.
func (c *Client) UpdateContent(ctx context.Context, id string, content io.Reader, size int64) (*Object, error) {
	var raw objectJSON
	if err := c.postMultipart(ctx, c.rootURL(), "setContent", id, map[string]string{"overwriteFlag": "true"}, "content", content, size, &raw); err != nil {
		return nil, fmt.Errorf("cmis: set content %s: %w", id, err)
	}

	return raw.toObject(), nil
}

// Delete removes an object. Deleting a non-empty folder is a repository
// error; the sync engine orders folder deletions after their contents.
func (c *Client) Delete(ctx context.Context, id string) error {
	form := url.Values{
		"cmisaction":  {"delete"},
		"objectId":    {id},
		"allVersions": {"true"},
	}

	if err := c.postForm(ctx, c.rootURL(), form, nil); err != nil {
		return fmt.Errorf("cmis: delete %s: %w", id, err)
	}

	return nil
}

// Download opens the content stream of a document. The caller closes the
// returned reader.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	q := url.Values{
		"cmisselector": {"content"},
		"objectId":     {id},
	}

	// No per-call timeout here: a bounded deadline would sever large
	// transfers mid-stream. The engine's run context still cancels it.
	resp, err := c.do(ctx, http.MethodGet, c.rootURL()+"?"+q.Encode(), "", nil)
	if err != nil {
		return nil, fmt.Errorf("cmis: download %s: %w", id, err)
	}

	return resp.Body, nil
}

// --- request plumbing ---

// getJSON performs a GET with a per-call deadline and decodes the JSON body
// into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if q != nil {
		rawURL += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, rawURL, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// postForm performs a form-encoded cmisaction POST. out may be nil when the
// response body is irrelevant.
func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, rawURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// postMultipart performs a multipart cmisaction POST carrying a content
// stream. The body is streamed via an io.Pipe so large files are never
// buffered in memory. Multipart bodies are not replayable, so this path
// does not retry; transient failures surface to the engine's per-triplet
// retry policy instead.
func (c *Client) postMultipart(
	ctx context.Context, rawURL, action, objectID string,
	props map[string]string, filename string, content io.Reader, size int64, out any,
) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, action, objectID, props, filename, content)
		if closeErr := mw.Close(); err == nil {
			err = closeErr
		}

		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, pr)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)

	if err := c.auth.Apply(req); err != nil {
		return fmt.Errorf("applying credentials: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// writeMultipart emits the cmisaction form fields followed by the content part.
func writeMultipart(mw *multipart.Writer, action, objectID string, props map[string]string, filename string, content io.Reader) error {
	if err := mw.WriteField("cmisaction", action); err != nil {
		return err
	}

	if err := mw.WriteField("objectId", objectID); err != nil {
		return err
	}

	i := 0
	for id, value := range props {
		if id == "overwriteFlag" {
			if err := mw.WriteField("overwriteFlag", value); err != nil {
				return err
			}

			continue
		}

		if err := mw.WriteField(fmt.Sprintf("propertyId[%d]", i), id); err != nil {
			return err
		}

		if err := mw.WriteField(fmt.Sprintf("propertyValue[%d]", i), value); err != nil {
			return err
		}

		i++
	}

	fw, err := mw.CreateFormFile("content", filename)
	if err != nil {
		return err
	}

	_, err = io.Copy(fw, content)

	return err
}

// do executes a single HTTP request with retry and backoff for transient
// failures. Bodies built from strings are replayed via the reconstructed
// reader on each attempt; callers with non-replayable bodies (multipart)
// use the httpClient directly.
func (c *Client) do(ctx context.Context, method, rawURL, contentType string, body *strings.Reader) (*http.Response, error) {
	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, rawURL, contentType, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("%s failed after %d retries: %w", method, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)

			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, c.checkStatusAndClose(resp)
	}
}

// doOnce builds and sends one request attempt.
func (c *Client) doOnce(ctx context.Context, method, rawURL, contentType string, body *strings.Reader) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		_, _ = body.Seek(0, io.SeekStart)
		reader = body
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if err := c.auth.Apply(req); err != nil {
		return nil, fmt.Errorf("applying credentials: %w", err)
	}

	return c.httpClient.Do(req)
}

// checkStatus turns a non-2xx response into a RepoError without consuming
// the body of successful responses.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	return c.buildError(resp)
}

// checkStatusAndClose consumes and closes the error response body.
func (c *Client) checkStatusAndClose(resp *http.Response) error {
	err := c.buildError(resp)
	resp.Body.Close()

	return err
}

// buildError decodes the Browser-binding exception body into a RepoError.
func (c *Client) buildError(resp *http.Response) error {
	var body struct {
		Exception string `json:"exception"`
		Message   string `json:"message"`
	}

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr == nil {
		_ = json.Unmarshal(raw, &body)
	}

	if body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
	}

	return &RepoError{
		StatusCode: resp.StatusCode,
		Exception:  body.Exception,
		Message:    body.Message,
		Err:        classifyStatus(resp.StatusCode),
	}
}

// calcBackoff returns the exponential backoff duration with jitter for the
// given attempt number.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)

	return time.Duration(backoff + jitter)
}

// retryBackoff honors Retry-After when present, otherwise falls back to
// exponential backoff.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

// escapePath percent-encodes each segment of a repository path while
// preserving the "/" separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}

// --- JSON decoding helpers ---

// objectJSON is the succinct-properties wire shape of a single object.
type objectJSON struct {
	SuccinctProperties map[string]any `json:"succinctProperties"`
}

// toObject converts succinct properties to an Object.
func (o *objectJSON) toObject() *Object {
	p := o.SuccinctProperties

	obj := &Object{
		ID:       propString(p, "cmis:objectId"),
		Name:     propString(p, "cmis:name"),
		Path:     propString(p, "cmis:path"),
		BaseType: BaseType(propString(p, "cmis:baseTypeId")),
		ParentID: propString(p, "cmis:parentId"),
		Size:     propInt(p, "cmis:contentStreamLength"),
		MimeType: propString(p, "cmis:contentStreamMimeType"),
	}

	if ms := propInt(p, "cmis:lastModificationDate"); ms != 0 {
		obj.Modified = time.UnixMilli(ms)
	}

	// cmis:contentStreamHash is multi-valued: "{alg}hex". Prefer sha-256.
	obj.ContentHash = parseContentHash(p["cmis:contentStreamHash"])

	return obj
}

// parseContentHash extracts the hex digest of the first sha-256 entry from
// the multi-valued cmis:contentStreamHash property.
func parseContentHash(v any) string {
	list, ok := v.([]any)
	if !ok {
		if s, isStr := v.(string); isStr {
			list = []any{s}
		} else {
			return ""
		}
	}

	for _, entry := range list {
		s, isStr := entry.(string)
		if !isStr {
			continue
		}

		if rest, found := strings.CutPrefix(s, "{sha-256}"); found {
			return strings.ToLower(rest)
		}
	}

	return ""
}

// propString reads a string property that may be scalar or single-element list.
func propString(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}

	return ""
}

// propInt reads an integer property encoded as a JSON number or string.
func propInt(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case []any:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int64(f)
			}
		}
	}

	return 0
}
