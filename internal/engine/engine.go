package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"docqr/internal/domain"
	"docqr/internal/events"
	"docqr/internal/repo"
)

// Engine is the document revision registry behind the status backend.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Log    *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
		Log:    log.Named("registry"),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// RevisionInput are the fields a caller supplies when registering a revision.
type RevisionInput struct {
	DocUID         string
	Revision       string
	Pages          int
	BusinessStatus domain.BusinessStatus
	EnoviaState    string
	ReleasedAt     string
	DocumentURL    string
	ActorID        string
}

func (in RevisionInput) validate() error {
	if strings.TrimSpace(in.DocUID) == "" {
		return domain.Errorf(domain.KindInvalidFormat, "doc_uid is required")
	}
	if strings.TrimSpace(in.Revision) == "" {
		return domain.Errorf(domain.KindInvalidFormat, "revision is required")
	}
	if in.Pages < 1 {
		return domain.Errorf(domain.KindInvalidFormat, "pages must be at least 1")
	}
	if !in.BusinessStatus.Valid() {
		return domain.Errorf(domain.KindInvalidFormat, "unknown business status %q", in.BusinessStatus)
	}
	if in.ReleasedAt != "" {
		if _, err := time.Parse(time.RFC3339, in.ReleasedAt); err != nil {
			return domain.Wrap(domain.KindInvalidFormat, err, "released_at must be RFC3339")
		}
	}
	return nil
}

// RegisterResult reports the stored revision and which revisions it replaced.
type RegisterResult struct {
	Revision   domain.Revision `json:"revision"`
	Created    bool            `json:"created"`
	Superseded []string        `json:"superseded,omitempty"`
}

// RegisterRevision stores a revision. A revision seen for the first time
// supersedes every other actual revision of the same document; re-registering
// an existing revision only updates its fields.
func (e Engine) RegisterRevision(ctx context.Context, in RevisionInput) (RegisterResult, error) {
	if err := in.validate(); err != nil {
		return RegisterResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RegisterResult{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	rev := domain.Revision{
		DocUID:         in.DocUID,
		Revision:       in.Revision,
		Pages:          in.Pages,
		BusinessStatus: in.BusinessStatus,
		EnoviaState:    in.EnoviaState,
		DocumentURL:    in.DocumentURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.ReleasedAt != "" {
		rev.ReleasedAt = &in.ReleasedAt
	}

	existing, err := e.Repo.GetRevisionTx(ctx, tx, in.DocUID, in.Revision)
	created := errors.Is(err, repo.ErrNotFound)
	if err != nil && !created {
		return RegisterResult{}, err
	}
	if !created && !existing.IsActual() {
		rev.BusinessStatus = domain.StatusChangesIntroducedGetNew
	}
	if err := e.Repo.UpsertRevisionTx(ctx, tx, rev); err != nil {
		return RegisterResult{}, fmt.Errorf("upsert revision: %w", err)
	}

	res := RegisterResult{Created: created}
	evtType := events.RevisionUpdated
	if created {
		evtType = events.RevisionRegistered
		previous, err := e.Repo.ActualRevisionsTx(ctx, tx, in.DocUID, in.Revision)
		if err != nil {
			return RegisterResult{}, err
		}
		for _, p := range previous {
			if err := e.Repo.MarkSupersededTx(ctx, tx, p.DocUID, p.Revision, in.Revision, now); err != nil {
				return RegisterResult{}, fmt.Errorf("supersede %s/%s: %w", p.DocUID, p.Revision, err)
			}
			if err := e.Events.Append(ctx, tx, events.RevisionSuperseded, p.DocUID, p.Revision, in.ActorID, events.EventPayload{"superseded_by": in.Revision}); err != nil {
				return RegisterResult{}, err
			}
			res.Superseded = append(res.Superseded, p.Revision)
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, rev.DocUID, rev.Revision, in.ActorID, events.EventPayload{
		"pages":           rev.Pages,
		"business_status": rev.BusinessStatus,
		"enovia_state":    rev.EnoviaState,
	}); err != nil {
		return RegisterResult{}, err
	}

	stored, err := e.Repo.GetRevisionTx(ctx, tx, rev.DocUID, rev.Revision)
	if err != nil {
		return RegisterResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RegisterResult{}, err
	}
	res.Revision = stored
	e.log().Info("revision registered",
		zap.String("doc_uid", rev.DocUID),
		zap.String("revision", rev.Revision),
		zap.Bool("created", created),
		zap.Strings("superseded", res.Superseded))
	return res, nil
}

// Status answers a page status lookup. The returned code is 200 for the
// actual revision and 410 for a superseded one; both carry a body.
// Unknown revisions and out-of-range pages are domain.KindNotFound.
func (e Engine) Status(ctx context.Context, docUID, revision string, page int) (domain.DocumentStatus, int, error) {
	rev, err := e.Repo.GetRevision(ctx, docUID, revision)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DocumentStatus{}, http.StatusNotFound, &domain.Error{
			Kind: domain.KindNotFound, HTTPStatus: http.StatusNotFound,
			Msg: fmt.Sprintf("revision %s of %s is not registered", revision, docUID),
		}
	}
	if err != nil {
		return domain.DocumentStatus{}, http.StatusInternalServerError, err
	}
	if page < 1 || page > rev.Pages {
		return domain.DocumentStatus{}, http.StatusNotFound, &domain.Error{
			Kind: domain.KindNotFound, HTTPStatus: http.StatusNotFound,
			Msg: fmt.Sprintf("page %d out of range 1..%d", page, rev.Pages),
		}
	}

	st := domain.DocumentStatus{
		DocUID:         rev.DocUID,
		Revision:       rev.Revision,
		Page:           page,
		BusinessStatus: rev.BusinessStatus,
		EnoviaState:    rev.EnoviaState,
		IsActual:       rev.IsActual(),
		Links:          domain.StatusLinks{OpenDocument: pageLink(rev.DocumentURL, page)},
	}
	if rev.ReleasedAt != nil {
		if ts, err := time.Parse(time.RFC3339, *rev.ReleasedAt); err == nil {
			st.ReleasedAt = &ts
		}
	}
	if st.IsActual {
		return st, http.StatusOK, nil
	}

	st.SupersededBy = *rev.SupersededBy
	latest, err := e.latest(ctx, rev)
	if err != nil {
		return domain.DocumentStatus{}, http.StatusInternalServerError, err
	}
	st.Links.OpenLatest = latest.DocumentURL
	return st, http.StatusGone, nil
}

// latest follows the superseded_by chain to the actual revision.
func (e Engine) latest(ctx context.Context, rev domain.Revision) (domain.Revision, error) {
	seen := map[string]bool{rev.Revision: true}
	for !rev.IsActual() {
		next, err := e.Repo.GetRevision(ctx, rev.DocUID, *rev.SupersededBy)
		if errors.Is(err, repo.ErrNotFound) {
			return rev, nil
		}
		if err != nil {
			return domain.Revision{}, err
		}
		if seen[next.Revision] {
			return next, nil
		}
		seen[next.Revision] = true
		rev = next
	}
	return rev, nil
}

func pageLink(documentURL string, page int) string {
	if documentURL == "" {
		return ""
	}
	return fmt.Sprintf("%s#page=%d", documentURL, page)
}

// Revisions lists registered revisions, optionally for one document.
func (e Engine) Revisions(ctx context.Context, docUID string) ([]domain.Revision, error) {
	return e.Repo.ListRevisions(ctx, docUID)
}

// Revision returns one registered revision.
func (e Engine) Revision(ctx context.Context, docUID, revision string) (domain.Revision, error) {
	rev, err := e.Repo.GetRevision(ctx, docUID, revision)
	if errors.Is(err, repo.ErrNotFound) {
		return rev, domain.Errorf(domain.KindNotFound, "revision %s of %s is not registered", revision, docUID)
	}
	return rev, err
}

// History returns the most recent registry events.
func (e Engine) History(ctx context.Context, docUID string, limit int) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, docUID, "")
}
