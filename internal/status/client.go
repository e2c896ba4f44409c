package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docqr/internal/domain"
)

// DefaultTimeout bounds one status request, connection and body included.
const DefaultTimeout = 10 * time.Second

// Client is a minimal client for the document status endpoint. Fields are
// set up front; a Client is safe for concurrent use once shared.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient creates a client with its own http.Client and DefaultTimeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		UserAgent:  "docqr",
	}
}

// Response is the decoded status body plus the HTTP status it came with.
type Response struct {
	StatusCode int
	Status     domain.DocumentStatus
}

// FetchStatus calls GET /api/v1/documents/{docUid}/revisions/{revision}/status?page=N.
// 2xx and 410 bodies are decoded; 404 is domain.KindNotFound, other codes
// are domain.KindServerError and transport failures domain.KindNetworkError.
func (c *Client) FetchStatus(ctx context.Context, docUID, revision string, page int) (Response, error) {
	endpoint := fmt.Sprintf("api/v1/documents/%s/revisions/%s/status?page=%d",
		url.PathEscape(docUID), url.PathEscape(revision), page)
	resp, err := c.do(ctx, http.MethodGet, endpoint)
	if err != nil {
		return Response{}, domain.Wrap(domain.KindNetworkError, err, "status request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusGone:
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return Response{StatusCode: resp.StatusCode}, &domain.Error{
			Kind:       domain.KindNotFound,
			HTTPStatus: resp.StatusCode,
			Msg:        fmt.Sprintf("%s revision %s page %d", docUID, revision, page),
		}
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{StatusCode: resp.StatusCode}, &domain.Error{
			Kind:       domain.KindServerError,
			HTTPStatus: resp.StatusCode,
			Msg:        strings.TrimSpace(string(b)),
		}
	}

	var st domain.DocumentStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Response{StatusCode: resp.StatusCode}, &domain.Error{
			Kind:       domain.KindServerError,
			HTTPStatus: resp.StatusCode,
			Msg:        "undecodable status body",
			Err:        err,
		}
	}
	return Response{StatusCode: resp.StatusCode, Status: st}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string) (*http.Response, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	return hc.Do(req)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
