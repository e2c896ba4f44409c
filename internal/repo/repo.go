package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"docqr/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const revisionColumns = `doc_uid,revision,pages,business_status,enovia_state,released_at,superseded_by,COALESCE(document_url,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (domain.Revision, error) {
	var r domain.Revision
	var released, superseded sql.NullString
	err := row.Scan(&r.DocUID, &r.Revision, &r.Pages, &r.BusinessStatus, &r.EnoviaState, &released, &superseded, &r.DocumentURL, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if released.Valid {
		r.ReleasedAt = &released.String
	}
	if superseded.Valid {
		r.SupersededBy = &superseded.String
	}
	return r, nil
}

func (r Repo) GetRevision(ctx context.Context, docUID, revision string) (domain.Revision, error) {
	return getRevision(ctx, r.DB, docUID, revision)
}

func (r Repo) GetRevisionTx(ctx context.Context, tx *sql.Tx, docUID, revision string) (domain.Revision, error) {
	return getRevision(ctx, tx, docUID, revision)
}

func getRevision(ctx context.Context, q queryer, docUID, revision string) (domain.Revision, error) {
	return scanRevision(q.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM document_revisions WHERE doc_uid=? AND revision=?`, docUID, revision))
}

// UpsertRevisionTx inserts rev or updates its mutable fields. created_at and
// superseded_by of an existing row are kept.
func (r Repo) UpsertRevisionTx(ctx context.Context, tx *sql.Tx, rev domain.Revision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO document_revisions(doc_uid,revision,pages,business_status,enovia_state,released_at,superseded_by,document_url,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(doc_uid,revision) DO UPDATE SET
  pages=excluded.pages,
  business_status=excluded.business_status,
  enovia_state=excluded.enovia_state,
  released_at=excluded.released_at,
  document_url=excluded.document_url,
  updated_at=excluded.updated_at`,
		rev.DocUID, rev.Revision, rev.Pages, string(rev.BusinessStatus), rev.EnoviaState,
		nullablePtr(rev.ReleasedAt), nullablePtr(rev.SupersededBy), nullable(rev.DocumentURL), rev.CreatedAt, rev.UpdatedAt)
	return err
}

// ListRevisions returns revisions oldest first. An empty docUID lists all documents.
func (r Repo) ListRevisions(ctx context.Context, docUID string) ([]domain.Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM document_revisions`
	var args []any
	if docUID != "" {
		query += ` WHERE doc_uid=?`
		args = append(args, docUID)
	}
	query += ` ORDER BY doc_uid, created_at, revision`
	return listRevisions(ctx, r.DB, query, args...)
}

// ActualRevisionsTx returns the revisions of docUID nobody supersedes,
// excluding the given revision.
func (r Repo) ActualRevisionsTx(ctx context.Context, tx *sql.Tx, docUID, exclude string) ([]domain.Revision, error) {
	return listRevisions(ctx, tx, `SELECT `+revisionColumns+` FROM document_revisions WHERE doc_uid=? AND revision<>? AND superseded_by IS NULL ORDER BY created_at, revision`, docUID, exclude)
}

func listRevisions(ctx context.Context, q queryer, query string, args ...any) ([]domain.Revision, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

// MarkSupersededTx points revision at its successor and flags it as
// CHANGES_INTRODUCED_GET_NEW.
func (r Repo) MarkSupersededTx(ctx context.Context, tx *sql.Tx, docUID, revision, by, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE document_revisions SET superseded_by=?, business_status=?, updated_at=? WHERE doc_uid=? AND revision=?`,
		by, string(domain.StatusChangesIntroducedGetNew), updatedAt, docUID, revision)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, docUID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if docUID != "" {
		clauses = append(clauses, "doc_uid=?")
		args = append(args, docUID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,doc_uid,COALESCE(revision,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DocUID, &e.Revision, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.PayloadRaw = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
