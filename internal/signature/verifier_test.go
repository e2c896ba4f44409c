package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqr/internal/domain"
)

var secret = []byte("issuer-secret")

const now = int64(1703123456)

func signed(l domain.Locator) domain.Locator {
	l.SignatureHex = Sign(l, secret)
	return l
}

func TestCanonicalFieldOrder(t *testing.T) {
	l := domain.Locator{DocUID: "3D-00001234", Revision: "B", Page: 3, TimestampSec: 1703123456}
	assert.Equal(t, "3D-00001234|B|3|1703123456", Canonical(l))
}

func TestSignMatchesHMAC(t *testing.T) {
	l := domain.Locator{DocUID: "3D-00001234", Revision: "B", Page: 3, TimestampSec: 1703123456}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("3D-00001234|B|3|1703123456"))
	want := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, Sign(l, secret))
	assert.Len(t, Sign(l, secret), 64)
}

func TestVerifyIffSignatureMatches(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		l := domain.Locator{
			DocUID:       randomID(rng),
			Revision:     string(rune('A' + rng.Intn(26))),
			Page:         1 + rng.Intn(500),
			TimestampSec: now - int64(rng.Intn(3600)),
		}
		key := []byte(randomID(rng))
		good := Sign(l, key)
		if rng.Intn(2) == 0 {
			l.SignatureHex = good
		} else {
			l.SignatureHex = Sign(l, append(key, 'x'))
		}
		_, err := Verify(l, key, now, 3600)
		if l.SignatureHex == good {
			require.NoError(t, err)
		} else {
			require.True(t, errors.Is(err, domain.ErrInvalidSignature), "got %v", err)
		}
	}
}

func TestVerifyRejectsSingleBitFlips(t *testing.T) {
	l := signed(domain.Locator{DocUID: "3D-00001234", Revision: "B", Page: 3, TimestampSec: now - 100})
	for i := 0; i < len(l.SignatureHex); i++ {
		for bit := 0; bit < 8; bit++ {
			b := []byte(l.SignatureHex)
			b[i] ^= 1 << bit
			corrupt := l
			corrupt.SignatureHex = string(b)
			_, err := Verify(corrupt, secret, now, 3600)
			require.Truef(t, errors.Is(err, domain.ErrInvalidSignature), "byte %d bit %d: %v", i, bit, err)
		}
	}
}

func TestVerifyFreshness(t *testing.T) {
	tests := []struct {
		name    string
		age     int64
		wantErr error
	}{
		{"fresh", 100, nil},
		{"at tolerance edge", 3600, nil},
		{"stale", 3601, domain.ErrExpired},
		{"two hours old", 7200, domain.ErrExpired},
		{"future", -1, domain.ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := signed(domain.Locator{DocUID: "D", Revision: "A", Page: 1, TimestampSec: now - tt.age})
			v, err := Verify(l, secret, now, 3600)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.True(t, v.Valid())
				assert.Equal(t, l, v.Locator())
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.False(t, v.Valid())
		})
	}
}

func TestVerifierUsesClockAndTolerance(t *testing.T) {
	l := signed(domain.Locator{DocUID: "D", Revision: "A", Page: 1, TimestampSec: now - 600})
	v := NewVerifier(secret, 5*time.Minute)
	v.Now = func() time.Time { return time.Unix(now, 0) }
	_, err := v.Verify(l)
	assert.True(t, errors.Is(err, domain.ErrExpired))

	v.Tolerance = 0
	got, err := v.Verify(l)
	require.NoError(t, err)
	assert.Equal(t, now, got.VerifiedAt())

	_, err = Verifier{}.Verify(l)
	assert.ErrorIs(t, err, ErrNoSecret)
	assert.Equal(t, domain.KindInvalidSignature, domain.KindOf(err))
}

func TestUppercaseSignatureIsNotAccepted(t *testing.T) {
	l := signed(domain.Locator{DocUID: "D", Revision: "A", Page: 1, TimestampSec: now})
	l.SignatureHex = strings.ToUpper(l.SignatureHex)
	_, err := Verify(l, secret, now, 3600)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))
}

func randomID(rng *rand.Rand) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"
	n := 4 + rng.Intn(12)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
