package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docqr/internal/cache"
	"docqr/internal/domain"
	"docqr/internal/signature"
)

var testSecret = []byte("s3cret")

const testNow = int64(1703123456)

func verified(t *testing.T, docUID, rev string, page int) signature.VerifiedLocator {
	t.Helper()
	l := domain.Locator{DocUID: docUID, Revision: rev, Page: page, TimestampSec: testNow - 10}
	l.SignatureHex = signature.Sign(l, testSecret)
	v, err := signature.Verify(l, testSecret, testNow, 3600)
	require.NoError(t, err)
	return v
}

type backend struct {
	srv   *httptest.Server
	calls atomic.Int32
	code  atomic.Int32
	last  atomic.Value
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.code.Store(http.StatusOK)
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		b.last.Store(r.URL.RequestURI())
		code := int(b.code.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		switch code {
		case http.StatusOK:
			json.NewEncoder(w).Encode(domain.DocumentStatus{
				DocUID: "3D-00001234", Revision: "B", Page: 3,
				BusinessStatus: domain.StatusApprovedForConstruction, EnoviaState: "RELEASED", IsActual: true,
			})
		case http.StatusGone:
			json.NewEncoder(w).Encode(domain.DocumentStatus{
				DocUID: "3D-00001234", Revision: "B", Page: 3,
				BusinessStatus: domain.StatusChangesIntroducedGetNew, EnoviaState: "OBSOLETE", SupersededBy: "C",
			})
		case http.StatusNotFound:
			w.Write([]byte(`{"error":{"code":"not_found"}}`))
		default:
			w.Write([]byte(`boom`))
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func newTestResolver(t *testing.T, baseURL string) (*Resolver, *cache.Cache[domain.DocumentStatus], *time.Time) {
	t.Helper()
	c := cache.NewMemory[domain.DocumentStatus](zaptest.NewLogger(t))
	now := time.Unix(testNow, 0)
	c.Now = func() time.Time { return now }
	r := NewResolver(NewClient(baseURL), c, 0, zaptest.NewLogger(t))
	return r, c, &now
}

func TestResolveFetchesThenCaches(t *testing.T) {
	b := newBackend(t)
	r, c, now := newTestResolver(t, b.srv.URL)
	ctx := context.Background()
	v := verified(t, "3D-00001234", "B", 3)

	st, err := r.Resolve(ctx, v)
	require.NoError(t, err)
	assert.True(t, st.IsActual)
	assert.Equal(t, domain.StatusApprovedForConstruction, st.BusinessStatus)
	assert.Equal(t, "/api/v1/documents/3D-00001234/revisions/B/status?page=3", b.last.Load())

	cached, ok := c.Get(ctx, "status:3D-00001234:B:3")
	require.True(t, ok)
	assert.Equal(t, st, cached)

	*now = now.Add(14 * time.Minute)
	_, err = r.Resolve(ctx, v)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.calls.Load())

	*now = now.Add(2 * time.Minute)
	_, err = r.Resolve(ctx, v)
	require.NoError(t, err)
	assert.EqualValues(t, 2, b.calls.Load())
}

func TestResolveCachesSuperseded(t *testing.T) {
	b := newBackend(t)
	b.code.Store(http.StatusGone)
	r, _, _ := newTestResolver(t, b.srv.URL)
	ctx := context.Background()
	v := verified(t, "3D-00001234", "B", 3)

	st, err := r.Resolve(ctx, v)
	require.NoError(t, err)
	assert.False(t, st.IsActual)
	assert.Equal(t, "C", st.SupersededBy)

	_, err = r.Resolve(ctx, v)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.calls.Load())
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantErr  error
		wantHTTP int
	}{
		{"not found", http.StatusNotFound, domain.ErrNotFound, 404},
		{"server error", http.StatusInternalServerError, domain.ErrServerError, 500},
		{"bad gateway", http.StatusBadGateway, domain.ErrServerError, 502},
		{"unauthorized", http.StatusUnauthorized, domain.ErrServerError, 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			b.code.Store(int32(tt.code))
			r, c, _ := newTestResolver(t, b.srv.URL)
			ctx := context.Background()
			_, err := r.Resolve(ctx, verified(t, "3D-00001234", "B", 3))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, tt.wantHTTP, domain.HTTPStatusOf(err))
			_, ok := c.Get(ctx, "status:3D-00001234:B:3")
			assert.False(t, ok, "failures are not cached")
		})
	}
}

func TestResolveNetworkError(t *testing.T) {
	b := newBackend(t)
	url := b.srv.URL
	b.srv.Close()
	r, _, _ := newTestResolver(t, url)
	_, err := r.Resolve(context.Background(), verified(t, "D", "A", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNetworkError), "got %v", err)
	assert.True(t, domain.Retryable(err))
}

func TestResolveRejectsZeroVerifiedLocator(t *testing.T) {
	b := newBackend(t)
	r, _, _ := newTestResolver(t, b.srv.URL)
	_, err := r.Resolve(context.Background(), signature.VerifiedLocator{})
	require.Error(t, err)
	assert.EqualValues(t, 0, b.calls.Load())
}

func TestForgetDropsOneDocument(t *testing.T) {
	b := newBackend(t)
	r, c, _ := newTestResolver(t, b.srv.URL)
	ctx := context.Background()
	for _, v := range []signature.VerifiedLocator{
		verified(t, "3D-00001234", "B", 3),
		verified(t, "3D-00001234", "B", 4),
		verified(t, "3D-000012345", "B", 3),
	} {
		_, err := r.Resolve(ctx, v)
		require.NoError(t, err)
	}
	n, err := r.Forget(ctx, "3D-00001234")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok := c.Get(ctx, "status:3D-000012345:B:3")
	assert.True(t, ok)
}

func TestSharedClientConcurrentFetches(t *testing.T) {
	b := newBackend(t)
	client := NewClient(b.srv.URL)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.FetchStatus(context.Background(), "3D-00001234", "B", 3)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 8, b.calls.Load())
	assert.Equal(t, DefaultTimeout, client.HTTPClient.Timeout)
}
