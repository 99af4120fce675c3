package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/split"
)

const pgUniqueViolation = "23505"

// imageRow is the flat table representation of model.ImageRecord
type imageRow struct {
	ID              string    `db:"id"`
	ContentHash     string    `db:"content_hash"`
	StorageKey      string    `db:"storage_key"`
	Width           int       `db:"width"`
	Height          int       `db:"height"`
	Category        string    `db:"category"`
	Sex             string    `db:"sex"`
	AgeRange        string    `db:"age_range"`
	Location        string    `db:"location"`
	BBoxX           float64   `db:"bbox_x"`
	BBoxY           float64   `db:"bbox_y"`
	BBoxWidth       float64   `db:"bbox_width"`
	BBoxHeight      float64   `db:"bbox_height"`
	Confidence      float64   `db:"confidence"`
	Classifications string    `db:"classifications"`
	Attributes      string    `db:"attributes"`
	Anonymized      bool      `db:"anonymized"`
	Status          string    `db:"status"`
	Split           string    `db:"split"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

type logRow struct {
	ImageID     string       `db:"image_id"`
	Seq         int          `db:"seq"`
	Step        string       `db:"step"`
	Status      string       `db:"status"`
	Message     string       `db:"message"`
	Details     string       `db:"details"`
	StartedAt   time.Time    `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

type annotationRow struct {
	ID          string    `db:"id"`
	ImageID     string    `db:"image_id"`
	AnnotatorID string    `db:"annotator_id"`
	LesionID    string    `db:"lesion_id"`
	Category    string    `db:"category"`
	BBoxX       float64   `db:"bbox_x"`
	BBoxY       float64   `db:"bbox_y"`
	BBoxWidth   float64   `db:"bbox_width"`
	BBoxHeight  float64   `db:"bbox_height"`
	Confidence  float64   `db:"confidence"`
	CreatedAt   time.Time `db:"created_at"`
}

const imageColumns = `id, content_hash, storage_key, width, height, category, sex, age_range, location,
	bbox_x, bbox_y, bbox_width, bbox_height, confidence, classifications, attributes,
	anonymized, status, split, created_at, updated_at`

// SQLStore implements the metadata store on PostgreSQL (pgx or lib/pq) or SQLite
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLStore wraps an open connection. driver is the database/sql driver
// name the connection was opened with: pgx, postgres or sqlite3.
func NewSQLStore(db *sql.DB, driver string, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("database connection cannot be nil")
	}
	switch driver {
	case "pgx", "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported metadata store driver %q", driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     sqlx.NewDb(db, driver),
		driver: driver,
		logger: logger,
		now:    time.Now,
	}, nil
}

// DB returns the wrapped connection
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// EnsureSchema creates the tables and indexes if they do not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.driver == "sqlite3" {
		ts = "TIMESTAMP"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS image_records (
			id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			storage_key TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL,
			sex TEXT NOT NULL,
			age_range TEXT NOT NULL,
			location TEXT NOT NULL,
			bbox_x DOUBLE PRECISION NOT NULL,
			bbox_y DOUBLE PRECISION NOT NULL,
			bbox_width DOUBLE PRECISION NOT NULL,
			bbox_height DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			classifications TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '',
			anonymized BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			split TEXT NOT NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, ts),
		`CREATE UNIQUE INDEX IF NOT EXISTS image_records_content_hash_key ON image_records (content_hash)`,
		`CREATE INDEX IF NOT EXISTS image_records_category_split_idx ON image_records (category, split)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS processing_log (
			image_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			started_at %[1]s NOT NULL,
			completed_at %[1]s,
			PRIMARY KEY (image_id, seq)
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS annotations (
			id TEXT PRIMARY KEY,
			image_id TEXT NOT NULL REFERENCES image_records (id),
			annotator_id TEXT NOT NULL,
			lesion_id TEXT NOT NULL,
			category TEXT NOT NULL,
			bbox_x DOUBLE PRECISION NOT NULL,
			bbox_y DOUBLE PRECISION NOT NULL,
			bbox_width DOUBLE PRECISION NOT NULL,
			bbox_height DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			created_at %[1]s NOT NULL,
			UNIQUE (image_id, annotator_id, lesion_id)
		)`, ts),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	s.logger.Info("Ensured metadata schema exists", zap.String("driver", s.driver))
	return nil
}

// Insert reserves the record's content hash and returns the id of the row
// holding it. The statement is a single upsert: a row rejected earlier is
// reset in place and keeps its id, any other holder makes the statement
// return no row and the call fails with *ConflictError.
func (s *SQLStore) Insert(ctx context.Context, rec model.ImageRecord) (string, error) {
	row, err := toImageRow(rec)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	if row.Status == "" {
		row.Status = string(model.StatusPending)
	}
	if row.Split == "" {
		row.Split = string(model.SplitUnassigned)
	}

	query := s.db.Rebind(`
		INSERT INTO image_records (` + imageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO UPDATE SET
			storage_key = excluded.storage_key,
			width = excluded.width,
			height = excluded.height,
			category = excluded.category,
			sex = excluded.sex,
			age_range = excluded.age_range,
			location = excluded.location,
			bbox_x = excluded.bbox_x,
			bbox_y = excluded.bbox_y,
			bbox_width = excluded.bbox_width,
			bbox_height = excluded.bbox_height,
			confidence = excluded.confidence,
			classifications = excluded.classifications,
			attributes = excluded.attributes,
			anonymized = excluded.anonymized,
			status = excluded.status,
			split = excluded.split,
			updated_at = excluded.updated_at
		WHERE image_records.status = 'rejected'
		RETURNING id`)

	var id string
	err = s.db.QueryRowxContext(ctx, query,
		row.ID, row.ContentHash, row.StorageKey, row.Width, row.Height,
		row.Category, row.Sex, row.AgeRange, row.Location,
		row.BBoxX, row.BBoxY, row.BBoxWidth, row.BBoxHeight, row.Confidence,
		row.Classifications, row.Attributes, row.Anonymized, row.Status, row.Split,
		row.CreatedAt, row.UpdatedAt,
	).Scan(&id)

	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", s.contentConflict(ctx, rec.ContentHash, nil)
	case IsUniqueViolation(err):
		return "", s.contentConflict(ctx, rec.ContentHash, err)
	default:
		return "", fmt.Errorf("failed to insert image record: %w", err)
	}
}

func (s *SQLStore) contentConflict(ctx context.Context, hash string, cause error) error {
	var existingID string
	err := s.db.GetContext(ctx, &existingID,
		s.db.Rebind(`SELECT id FROM image_records WHERE content_hash = ?`), hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to resolve conflicting record: %w", err)
	}
	return &ConflictError{Constraint: ConstraintContentHash, ExistingID: existingID, Err: cause}
}

// Save updates the mutable fields of an existing record
func (s *SQLStore) Save(ctx context.Context, rec model.ImageRecord) error {
	row, err := toImageRow(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE image_records SET
			storage_key = ?, width = ?, height = ?,
			category = ?, sex = ?, age_range = ?, location = ?,
			bbox_x = ?, bbox_y = ?, bbox_width = ?, bbox_height = ?, confidence = ?,
			classifications = ?, attributes = ?, anonymized = ?, updated_at = ?
		WHERE id = ?`),
		row.StorageKey, row.Width, row.Height,
		row.Category, row.Sex, row.AgeRange, row.Location,
		row.BBoxX, row.BBoxY, row.BBoxWidth, row.BBoxHeight, row.Confidence,
		row.Classifications, row.Attributes, row.Anonymized, s.now().UTC(),
		row.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save image record: %w", err)
	}
	return expectOneRow(res)
}

// UpdateStatus sets the validation status of a record
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status model.ValidationStatus) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE image_records SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return expectOneRow(res)
}

// UpdateSplit sets the split of a record
func (s *SQLStore) UpdateSplit(ctx context.Context, id string, sp model.Split) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE image_records SET split = ?, updated_at = ? WHERE id = ?`),
		string(sp), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update split: %w", err)
	}
	return expectOneRow(res)
}

// AppendLog appends a ledger entry
func (s *SQLStore) AppendLog(ctx context.Context, entry model.ProcessingLogEntry) error {
	var completed sql.NullTime
	if entry.CompletedAt != nil {
		completed = sql.NullTime{Time: entry.CompletedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO processing_log (image_id, seq, step, status, message, details, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ImageID, entry.Seq, entry.Step, string(entry.Status), entry.Message, entry.Details,
		entry.StartedAt.UTC(), completed,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return &ConflictError{Constraint: ConstraintLogEntry, Err: err}
		}
		return fmt.Errorf("failed to append processing log: %w", err)
	}
	return nil
}

// SplitCounts counts assigned, non-rejected records of a category
func (s *SQLStore) SplitCounts(ctx context.Context, category string) (model.SplitCounts, error) {
	var rows []struct {
		Split string `db:"split"`
		N     int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT split, COUNT(*) AS n FROM image_records
		WHERE category = ? AND status <> 'rejected' AND split IN ('train', 'val', 'test')
		GROUP BY split`), category)
	if err != nil {
		return model.SplitCounts{}, fmt.Errorf("failed to count splits: %w", err)
	}

	var c model.SplitCounts
	for _, r := range rows {
		switch model.Split(r.Split) {
		case model.SplitTrain:
			c.Train = r.N
		case model.SplitVal:
			c.Val = r.N
		case model.SplitTest:
			c.Test = r.N
		}
	}
	return c, nil
}

// Get returns a record by id
func (s *SQLStore) Get(ctx context.Context, id string) (model.ImageRecord, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+imageColumns+` FROM image_records WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ImageRecord{}, fmt.Errorf("failed to load image record: %w", err)
	}
	return row.toModel()
}

// Logs returns the ledger of an upload ordered by sequence
func (s *SQLStore) Logs(ctx context.Context, imageID string) ([]model.ProcessingLogEntry, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT image_id, seq, step, status, message, details, started_at, completed_at
		FROM processing_log WHERE image_id = ? ORDER BY seq`), imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load processing log: %w", err)
	}

	out := make([]model.ProcessingLogEntry, len(rows))
	for i, r := range rows {
		out[i] = model.ProcessingLogEntry{
			ImageID:   r.ImageID,
			Seq:       r.Seq,
			Step:      r.Step,
			Status:    model.StepStatus(r.Status),
			Message:   r.Message,
			Details:   r.Details,
			StartedAt: r.StartedAt.UTC(),
		}
		if r.CompletedAt.Valid {
			t := r.CompletedAt.Time.UTC()
			out[i].CompletedAt = &t
		}
	}
	return out, nil
}

// ListByStatus returns records with the given status ordered by id
func (s *SQLStore) ListByStatus(ctx context.Context, status model.ValidationStatus) ([]model.ImageRecord, error) {
	var rows []imageRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+imageColumns+` FROM image_records WHERE status = ? ORDER BY id`), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list image records: %w", err)
	}

	out := make([]model.ImageRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ValidatedMembers lists validated records for split reassignment
func (s *SQLStore) ValidatedMembers(ctx context.Context) ([]split.Member, error) {
	var members []split.Member
	err := s.db.SelectContext(ctx, &members, s.db.Rebind(
		`SELECT id, category FROM image_records WHERE status = ? ORDER BY id`), string(model.StatusValidated))
	if err != nil {
		return nil, fmt.Errorf("failed to list validated records: %w", err)
	}
	return members, nil
}

// ApplySplits updates all splits in one transaction
func (s *SQLStore) ApplySplits(ctx context.Context, splits map[string]model.Split) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("Failed to rollback transaction",
					zap.Error(rbErr),
					zap.Error(err))
			}
		}
	}()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`UPDATE image_records SET split = ?, updated_at = ? WHERE id = ?`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for id, sp := range splits {
		res, execErr := stmt.ExecContext(ctx, string(sp), now, id)
		if execErr != nil {
			err = fmt.Errorf("failed to update split of %s: %w", id, execErr)
			return err
		}
		if rowErr := expectOneRow(res); rowErr != nil {
			err = fmt.Errorf("failed to update split of %s: %w", id, rowErr)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("Applied split reassignment", zap.Int("records", len(splits)))
	return nil
}

// InsertAnnotation stores an annotation. (ImageID, AnnotatorID, LesionID) is unique.
func (s *SQLStore) InsertAnnotation(ctx context.Context, ann model.Annotation) error {
	if ann.CreatedAt.IsZero() {
		ann.CreatedAt = s.now()
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists,
		s.db.Rebind(`SELECT COUNT(*) FROM image_records WHERE id = ?`), ann.ImageID); err != nil {
		return fmt.Errorf("failed to look up image: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO annotations (id, image_id, annotator_id, lesion_id, category,
			bbox_x, bbox_y, bbox_width, bbox_height, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ann.ID, ann.ImageID, ann.AnnotatorID, ann.LesionID, ann.Category,
		ann.BoundingBox.X, ann.BoundingBox.Y, ann.BoundingBox.Width, ann.BoundingBox.Height,
		ann.Confidence, ann.CreatedAt.UTC(),
	)
	if err == nil {
		return nil
	}
	if !IsUniqueViolation(err) {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}

	var existingID string
	_ = s.db.GetContext(ctx, &existingID, s.db.Rebind(`
		SELECT id FROM annotations WHERE image_id = ? AND annotator_id = ? AND lesion_id = ?`),
		ann.ImageID, ann.AnnotatorID, ann.LesionID)
	return &ConflictError{Constraint: ConstraintAnnotation, ExistingID: existingID, Err: err}
}

// Annotations returns the annotations of an image ordered by creation
func (s *SQLStore) Annotations(ctx context.Context, imageID string) ([]model.Annotation, error) {
	var rows []annotationRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, image_id, annotator_id, lesion_id, category,
			bbox_x, bbox_y, bbox_width, bbox_height, confidence, created_at
		FROM annotations WHERE image_id = ? ORDER BY created_at, id`), imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load annotations: %w", err)
	}

	out := make([]model.Annotation, len(rows))
	for i, r := range rows {
		out[i] = model.Annotation{
			ID:          r.ID,
			ImageID:     r.ImageID,
			AnnotatorID: r.AnnotatorID,
			LesionID:    r.LesionID,
			Category:    r.Category,
			BoundingBox: model.BoundingBox{X: r.BBoxX, Y: r.BBoxY, Width: r.BBoxWidth, Height: r.BBoxHeight},
			Confidence:  r.Confidence,
			CreatedAt:   r.CreatedAt.UTC(),
		}
	}
	return out, nil
}

// IsUniqueViolation reports whether err is a unique or primary key
// violation from any supported driver
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toImageRow(rec model.ImageRecord) (imageRow, error) {
	row := imageRow{
		ID:          rec.ID,
		ContentHash: rec.ContentHash,
		StorageKey:  rec.StorageKey,
		Width:       rec.Width,
		Height:      rec.Height,
		Category:    rec.Clinical.Category,
		Sex:         rec.Clinical.Sex,
		AgeRange:    rec.Clinical.AgeRange,
		Location:    rec.Clinical.Location,
		BBoxX:       rec.Clinical.BoundingBox.X,
		BBoxY:       rec.Clinical.BoundingBox.Y,
		BBoxWidth:   rec.Clinical.BoundingBox.Width,
		BBoxHeight:  rec.Clinical.BoundingBox.Height,
		Confidence:  rec.Clinical.Confidence,
		Attributes:  string(rec.Attributes),
		Anonymized:  rec.Anonymized,
		Status:      string(rec.Status),
		Split:       string(rec.Split),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if len(rec.Clinical.Classifications) > 0 {
		b, err := json.Marshal(rec.Clinical.Classifications)
		if err != nil {
			return imageRow{}, fmt.Errorf("failed to encode classifications: %w", err)
		}
		row.Classifications = string(b)
	}
	return row, nil
}

func (r imageRow) toModel() (model.ImageRecord, error) {
	rec := model.ImageRecord{
		ID:          r.ID,
		ContentHash: r.ContentHash,
		StorageKey:  r.StorageKey,
		Width:       r.Width,
		Height:      r.Height,
		Clinical: model.ClinicalMetadata{
			Category:    r.Category,
			Sex:         r.Sex,
			AgeRange:    r.AgeRange,
			Location:    r.Location,
			BoundingBox: model.BoundingBox{X: r.BBoxX, Y: r.BBoxY, Width: r.BBoxWidth, Height: r.BBoxHeight},
			Confidence:  r.Confidence,
		},
		Anonymized: r.Anonymized,
		Status:     model.ValidationStatus(r.Status),
		Split:      model.Split(r.Split),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.Attributes != "" {
		rec.Attributes = json.RawMessage(r.Attributes)
	}
	if r.Classifications != "" {
		if err := json.Unmarshal([]byte(r.Classifications), &rec.Clinical.Classifications); err != nil {
			return model.ImageRecord{}, fmt.Errorf("failed to decode classifications of %s: %w", r.ID, err)
		}
	}
	return rec, nil
}
