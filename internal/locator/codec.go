// Package locator converts scanned QR payload URLs into domain.Locator values
// and back. It only checks structure; trust is the signature package's job.
package locator

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"docqr/internal/domain"
)

// PathMarker is the path segment that precedes {docUid}/{revision}/{page}.
const PathMarker = "r"

// SignatureHexLen is the length of a hex-encoded HMAC-SHA-256.
const SignatureHexLen = 64

var (
	docUIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
	revisionPattern  = regexp.MustCompile(`^[A-Za-z0-9._-]{1,16}$`)
	pagePattern      = regexp.MustCompile(`^[1-9][0-9]{0,5}$`)
	timestampPattern = regexp.MustCompile(`^[0-9]{10}$`)
	signaturePattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// Parse turns raw into a Locator. Every failure is domain.KindInvalidFormat.
func Parse(raw string) (domain.Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Locator{}, invalid("empty payload")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return domain.Locator{}, domain.Wrap(domain.KindInvalidFormat, err, "malformed url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Locator{}, invalid("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return domain.Locator{}, invalid("missing host")
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 4 || segments[len(segments)-4] != PathMarker {
		return domain.Locator{}, invalid("path %q is not /%s/{docUid}/{revision}/{page}", u.Path, PathMarker)
	}
	docUID := segments[len(segments)-3]
	revision := segments[len(segments)-2]
	pageRaw := segments[len(segments)-1]
	if !docUIDPattern.MatchString(docUID) {
		return domain.Locator{}, invalid("bad document id %q", docUID)
	}
	if !revisionPattern.MatchString(revision) {
		return domain.Locator{}, invalid("bad revision %q", revision)
	}
	if !pagePattern.MatchString(pageRaw) {
		return domain.Locator{}, invalid("bad page %q", pageRaw)
	}
	page, err := strconv.Atoi(pageRaw)
	if err != nil {
		return domain.Locator{}, domain.Wrap(domain.KindInvalidFormat, err, "bad page")
	}

	query := u.Query()
	tsRaw := query.Get("ts")
	if !timestampPattern.MatchString(tsRaw) {
		return domain.Locator{}, invalid("ts must be 10 digits, got %q", tsRaw)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return domain.Locator{}, domain.Wrap(domain.KindInvalidFormat, err, "bad ts")
	}
	sig := query.Get("t")
	if !signaturePattern.MatchString(sig) {
		return domain.Locator{}, invalid("t must be %d hex chars", SignatureHexLen)
	}

	return domain.Locator{
		DocUID:       docUID,
		Revision:     revision,
		Page:         page,
		TimestampSec: ts,
		SignatureHex: sig,
	}, nil
}

// Format serializes l as {baseURL}/r/{docUid}/{revision}/{page}?ts=..&t=..
func Format(baseURL string, l domain.Locator) string {
	base := strings.TrimRight(baseURL, "/")
	return fmt.Sprintf("%s/%s/%s/%s/%d?ts=%d&t=%s",
		base, PathMarker, url.PathEscape(l.DocUID), url.PathEscape(l.Revision), l.Page, l.TimestampSec, l.SignatureHex)
}

func invalid(format string, args ...any) error {
	return domain.Errorf(domain.KindInvalidFormat, format, args...)
}
