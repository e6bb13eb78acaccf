package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/annales/annales/internal/metrics"
)

// DocumentRow maps to the files table, with classification names joined in.
type DocumentRow struct {
	ID              string
	DisplayName     string
	OriginalName    string
	MimeType        string
	FileSize        int64
	PageCount       int
	StorageKey      string
	StorageProvider string

	SemesterID int
	TypeID     int
	SubjectID  int
	YearID     int

	Semester string
	DocType  string
	Subject  string
	Year     int

	UploadedAt time.Time
	UpdatedAt  time.Time
}

// DocumentFilter narrows ListDocuments by classification names. Empty
// fields match everything; Year 0 matches every year.
type DocumentFilter struct {
	Semester string
	DocType  string
	Subject  string
	Year     int
}

// SweepRow carries the fields the cleanup sweep needs per record.
type SweepRow struct {
	ID              string
	StorageKey      string
	StorageProvider string
}

const documentSelect = `
	SELECT f.id, f.display_name, f.original_name, f.mime_type, f.file_size,
	       COALESCE(f.page_count, 0), f.storage_key, f.storage_provider,
	       f.semester_id, f.type_id, f.subject_id, f.year_id,
	       s.name, t.name, sub.name, y.value,
	       f.uploaded_at, f.updated_at
	FROM files f
	JOIN semesters s ON s.id = f.semester_id
	JOIN doc_types t ON t.id = f.type_id
	JOIN subjects sub ON sub.id = f.subject_id
	JOIN years y ON y.id = f.year_id`

func scanDocument(row interface{ Scan(...interface{}) error }) (*DocumentRow, error) {
	var d DocumentRow
	err := row.Scan(&d.ID, &d.DisplayName, &d.OriginalName, &d.MimeType, &d.FileSize,
		&d.PageCount, &d.StorageKey, &d.StorageProvider,
		&d.SemesterID, &d.TypeID, &d.SubjectID, &d.YearID,
		&d.Semester, &d.DocType, &d.Subject, &d.Year,
		&d.UploadedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDocument inserts a document record. The record becomes visible to
// readers in a single insert; the id is generated here when unset.
func (s *Store) CreateDocument(ctx context.Context, d *DocumentRow) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_document", time.Since(start)) }()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	var pageCount sql.NullInt64
	if d.PageCount > 0 {
		pageCount = sql.NullInt64{Int64: int64(d.PageCount), Valid: true}
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO files (id, display_name, original_name, mime_type, file_size, page_count,
		                    storage_key, storage_provider, semester_id, type_id, subject_id, year_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING uploaded_at, updated_at`,
		d.ID, d.DisplayName, d.OriginalName, d.MimeType, d.FileSize, pageCount,
		d.StorageKey, d.StorageProvider, d.SemesterID, d.TypeID, d.SubjectID, d.YearID).
		Scan(&d.UploadedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns a document by id, or nil when no record exists.
func (s *Store) GetDocument(ctx context.Context, id string) (*DocumentRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_document", time.Since(start)) }()

	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	d, err := scanDocument(s.db.QueryRowContext(ctx, documentSelect+` WHERE f.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return d, nil
}

// ListDocuments returns documents matching the filter, newest first.
func (s *Store) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*DocumentRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_documents", time.Since(start)) }()

	query := documentSelect
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Semester != "" {
		add("s.name = $%d", filter.Semester)
	}
	if filter.DocType != "" {
		add("t.name = $%d", filter.DocType)
	}
	if filter.Subject != "" {
		add("sub.name = $%d", filter.Subject)
	}
	if filter.Year != 0 {
		add("y.value = $%d", filter.Year)
	}

	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY f.uploaded_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*DocumentRow
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDocument re-points a document's classification and display name.
// Storage key, provider, size, and original name never change here.
func (s *Store) UpdateDocument(ctx context.Context, id, displayName string, ids ClassificationIDs) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_document", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET display_name = $2, semester_id = $3, type_id = $4,
		        subject_id = $5, year_id = $6, updated_at = now()
		 WHERE id = $1`,
		id, displayName, ids.SemesterID, ids.TypeID, ids.SubjectID, ids.YearID)
	if err != nil {
		return false, fmt.Errorf("update document: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// DeleteDocument removes a document record. Returns whether a row existed.
func (s *Store) DeleteDocument(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_document", time.Since(start)) }()

	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListForSweep returns every record's id, storage key, and provider.
func (s *Store) ListForSweep(ctx context.Context) ([]SweepRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_for_sweep", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, storage_key, storage_provider FROM files ORDER BY uploaded_at`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []SweepRow
	for rows.Next() {
		var r SweepRow
		if err := rows.Scan(&r.ID, &r.StorageKey, &r.StorageProvider); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountDocuments returns the total number of archived documents.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("count_documents", time.Since(start)) }()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	return n, nil
}
