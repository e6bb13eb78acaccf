package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/retry"
)

// Classification identifies where a document belongs in the archive
// hierarchy. All four fields are required.
type Classification struct {
	Semester string
	DocType  string
	Subject  string
	Year     int
}

// ClassificationIDs holds the resolved hierarchy node ids for a document.
type ClassificationIDs struct {
	SemesterID int
	TypeID     int
	SubjectID  int
	YearID     int
}

// NodeRow is one named hierarchy node.
type NodeRow struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// YearRow is one year node.
type YearRow struct {
	ID    int `json:"id"`
	Value int `json:"value"`
}

// conflictRetry bounds the re-read loop when concurrent uploads race to
// create the same hierarchy node.
var conflictRetry = retry.Config{
	MaxAttempts: 3,
	InitialWait: 10 * time.Millisecond,
	MaxWait:     100 * time.Millisecond,
	Multiplier:  2.0,
}

// ResolveClassification finds or creates the four hierarchy nodes for a
// classification, parent levels first. Created nodes are committed
// immediately and reused by later uploads even when the upload that
// created them fails afterwards.
func (s *Store) ResolveClassification(ctx context.Context, c Classification) (ClassificationIDs, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("resolve_classification", time.Since(start)) }()

	var ids ClassificationIDs
	var err error

	ids.SemesterID, err = s.findOrCreateSemester(ctx, c.Semester)
	if err != nil {
		return ids, fmt.Errorf("resolve semester %q: %w", c.Semester, err)
	}
	ids.TypeID, err = s.findOrCreateType(ctx, c.DocType, ids.SemesterID)
	if err != nil {
		return ids, fmt.Errorf("resolve type %q: %w", c.DocType, err)
	}
	ids.SubjectID, err = s.findOrCreateSubject(ctx, c.Subject, ids.SemesterID, ids.TypeID)
	if err != nil {
		return ids, fmt.Errorf("resolve subject %q: %w", c.Subject, err)
	}
	ids.YearID, err = s.findOrCreateYear(ctx, c.Year, ids.SemesterID, ids.TypeID, ids.SubjectID)
	if err != nil {
		return ids, fmt.Errorf("resolve year %d: %w", c.Year, err)
	}

	return ids, nil
}

// findOrCreate runs the select-insert-reselect protocol for one node.
// A uniqueness violation on insert means a concurrent request created the
// node first, so the next attempt's select finds it.
func (s *Store) findOrCreate(ctx context.Context, selectQuery, insertQuery string, args ...interface{}) (int, error) {
	return retry.DoWithResult(ctx, conflictRetry, func() (int, error) {
		var id int
		err := s.db.QueryRowContext(ctx, selectQuery, args...).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}

		err = s.db.QueryRowContext(ctx, insertQuery, args...).Scan(&id)
		if err == nil {
			return id, nil
		}
		if isUniqueViolation(err) {
			return 0, retry.Retryable(err)
		}
		return 0, err
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Store) findOrCreateSemester(ctx context.Context, name string) (int, error) {
	return s.findOrCreate(ctx,
		`SELECT id FROM semesters WHERE name = $1`,
		`INSERT INTO semesters (name) VALUES ($1) RETURNING id`,
		name)
}

func (s *Store) findOrCreateType(ctx context.Context, name string, semesterID int) (int, error) {
	return s.findOrCreate(ctx,
		`SELECT id FROM doc_types WHERE name = $1 AND semester_id = $2`,
		`INSERT INTO doc_types (name, semester_id) VALUES ($1, $2) RETURNING id`,
		name, semesterID)
}

func (s *Store) findOrCreateSubject(ctx context.Context, name string, semesterID, typeID int) (int, error) {
	return s.findOrCreate(ctx,
		`SELECT id FROM subjects WHERE name = $1 AND semester_id = $2 AND type_id = $3`,
		`INSERT INTO subjects (name, semester_id, type_id) VALUES ($1, $2, $3) RETURNING id`,
		name, semesterID, typeID)
}

func (s *Store) findOrCreateYear(ctx context.Context, value, semesterID, typeID, subjectID int) (int, error) {
	return s.findOrCreate(ctx,
		`SELECT id FROM years WHERE value = $1 AND semester_id = $2 AND type_id = $3 AND subject_id = $4`,
		`INSERT INTO years (value, semester_id, type_id, subject_id) VALUES ($1, $2, $3, $4) RETURNING id`,
		value, semesterID, typeID, subjectID)
}

// ListSemesters returns all semesters ordered by name.
func (s *Store) ListSemesters(ctx context.Context) ([]NodeRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_semesters", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM semesters ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

// ListTypes returns the document types under a semester.
func (s *Store) ListTypes(ctx context.Context, semester string) ([]NodeRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_types", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name FROM doc_types t
		 JOIN semesters s ON s.id = t.semester_id
		 WHERE s.name = $1 ORDER BY t.name`, semester)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

// ListSubjects returns the subjects under a semester and type.
func (s *Store) ListSubjects(ctx context.Context, semester, docType string) ([]NodeRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_subjects", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT sub.id, sub.name FROM subjects sub
		 JOIN semesters s ON s.id = sub.semester_id
		 JOIN doc_types t ON t.id = sub.type_id
		 WHERE s.name = $1 AND t.name = $2 ORDER BY sub.name`, semester, docType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

// ListYears returns the years under a semester, type, and subject, newest
// first.
func (s *Store) ListYears(ctx context.Context, semester, docType, subject string) ([]YearRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_years", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT y.id, y.value FROM years y
		 JOIN semesters s ON s.id = y.semester_id
		 JOIN doc_types t ON t.id = y.type_id
		 JOIN subjects sub ON sub.id = y.subject_id
		 WHERE s.name = $1 AND t.name = $2 AND sub.name = $3
		 ORDER BY y.value DESC`, semester, docType, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []YearRow
	for rows.Next() {
		var y YearRow
		if err := rows.Scan(&y.ID, &y.Value); err != nil {
			return nil, err
		}
		out = append(out, y)
	}
	return out, rows.Err()
}

func scanNodeRows(rows *sql.Rows) ([]NodeRow, error) {
	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		if err := rows.Scan(&n.ID, &n.Name); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
