package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docqr/internal/cache"
	"docqr/internal/domain"
	"docqr/internal/locator"
	"docqr/internal/signature"
	"docqr/internal/status"
)

var secret = []byte("issuer-secret")

type env struct {
	orch  *Orchestrator
	cache *cache.Cache[domain.DocumentStatus]
	calls *atomic.Int32
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/documents/"), "/")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.DocumentStatus{
			DocUID:         parts[0],
			Revision:       parts[2],
			Page:           3,
			BusinessStatus: domain.StatusAcceptedByCustomer,
			EnoviaState:    "RELEASED",
			IsActual:       true,
		})
	}))
	t.Cleanup(srv.Close)

	now := time.Unix(1703123456, 0)
	log := zaptest.NewLogger(t)
	c := cache.NewMemory[domain.DocumentStatus](log)
	c.Now = func() time.Time { return now }
	v := signature.NewVerifier(secret, time.Hour)
	v.Now = func() time.Time { return now }
	r := status.NewResolver(status.NewClient(srv.URL), c, status.DefaultTTL, log)
	return &env{orch: New(v, r, log), cache: c, calls: calls, now: now}
}

func (e *env) payload(ts int64) string {
	l := domain.Locator{DocUID: "3D-00001234", Revision: "B", Page: 3, TimestampSec: ts}
	l.SignatureHex = signature.Sign(l, secret)
	return locator.Format("https://qr.example.com", l)
}

func TestResolveScanHappyPathUsesCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	raw := e.payload(e.now.Unix() - 100)

	st, err := e.orch.ResolveScan(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "3D-00001234", st.DocUID)
	assert.Equal(t, "B", st.Revision)
	assert.EqualValues(t, 1, e.calls.Load())
	_, ok := e.cache.Get(ctx, "status:3D-00001234:B:3")
	assert.True(t, ok)

	again, err := e.orch.ResolveScan(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, st, again)
	assert.EqualValues(t, 1, e.calls.Load(), "second scan within the TTL must not hit the network")
}

func TestResolveScanExpiredNeverCallsResolver(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.ResolveScan(context.Background(), e.payload(e.now.Unix()-7200))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExpired), "got %v", err)
	assert.EqualValues(t, 0, e.calls.Load())
}

type countingVerifier struct {
	calls int
}

func (c *countingVerifier) Verify(l domain.Locator) (signature.VerifiedLocator, error) {
	c.calls++
	return signature.VerifiedLocator{}, errors.New("unexpected")
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, signature.VerifiedLocator) (domain.DocumentStatus, error) {
	return domain.DocumentStatus{}, errors.New("unexpected")
}

func TestResolveScanTwoSegmentsIsInvalidFormatBeforeCrypto(t *testing.T) {
	v := &countingVerifier{}
	o := New(v, failingResolver{}, zaptest.NewLogger(t))
	_, err := o.ResolveScan(context.Background(),
		"https://qr.example.com/r/3D-00001234/B?ts=1703123356&t="+strings.Repeat("0", 64))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidFormat), "got %v", err)
	assert.Equal(t, 0, v.calls)
}

func TestResolveScanBadSignature(t *testing.T) {
	e := newEnv(t)
	raw := strings.Replace(e.payload(e.now.Unix()-100), "&t=", "&t=0", 1)
	raw = raw[:len(raw)-1]
	_, err := e.orch.ResolveScan(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature), "got %v", err)
	assert.False(t, domain.Retryable(err))
	assert.EqualValues(t, 0, e.calls.Load())
}
