// Package signature proves that a Locator was minted by the trusted issuer
// and is still fresh.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"docqr/internal/domain"
)

// DefaultTolerance is the maximum accepted age of a locator timestamp.
const DefaultTolerance = time.Hour

// VerifiedLocator is a Locator whose signature and freshness were checked.
// It can only be obtained from Verify.
type VerifiedLocator struct {
	loc        domain.Locator
	verifiedAt int64
}

// Locator returns a copy of the verified locator.
func (v VerifiedLocator) Locator() domain.Locator { return v.loc }

// VerifiedAt is the clock reading (epoch seconds) used for the freshness check.
func (v VerifiedLocator) VerifiedAt() int64 { return v.verifiedAt }

// Valid is false for the zero value.
func (v VerifiedLocator) Valid() bool { return v.verifiedAt != 0 && v.loc.DocUID != "" }

// Canonical is the exact string the issuer signs: docUid|revision|page|timestampSec.
func Canonical(l domain.Locator) string {
	return fmt.Sprintf("%s|%s|%d|%d", l.DocUID, l.Revision, l.Page, l.TimestampSec)
}

// Sign returns the lowercase hex HMAC-SHA-256 of the canonical string.
func Sign(l domain.Locator, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Canonical(l)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature first, then freshness. A timestamp in the
// future or older than toleranceSec is domain.KindExpired.
func Verify(l domain.Locator, secret []byte, nowSec, toleranceSec int64) (VerifiedLocator, error) {
	expected := Sign(l, secret)
	if !hmac.Equal([]byte(expected), []byte(l.SignatureHex)) {
		return VerifiedLocator{}, domain.Errorf(domain.KindInvalidSignature, "signature mismatch for %s", Canonical(l))
	}
	if nowSec < l.TimestampSec {
		return VerifiedLocator{}, domain.Errorf(domain.KindExpired, "timestamp %d is in the future", l.TimestampSec)
	}
	if nowSec-l.TimestampSec > toleranceSec {
		return VerifiedLocator{}, domain.Errorf(domain.KindExpired, "timestamp %d older than %ds", l.TimestampSec, toleranceSec)
	}
	return VerifiedLocator{loc: l, verifiedAt: nowSec}, nil
}

// Verifier binds a secret, tolerance and clock.
type Verifier struct {
	Secret    []byte
	Tolerance time.Duration
	Now       func() time.Time
}

// ErrNoSecret is the cause wrapped in the InvalidSignature error Verify
// returns when no secret is bound.
var ErrNoSecret = errors.New("signature: secret is not configured")

func NewVerifier(secret []byte, tolerance time.Duration) Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Verifier{Secret: secret, Tolerance: tolerance, Now: time.Now}
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify runs Verify with the bound secret at the current clock reading.
func (v Verifier) Verify(l domain.Locator) (VerifiedLocator, error) {
	if len(v.Secret) == 0 {
		return VerifiedLocator{}, domain.Wrap(domain.KindInvalidSignature, ErrNoSecret, "cannot verify")
	}
	tol := v.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	return Verify(l, v.Secret, v.now().Unix(), int64(tol/time.Second))
}
