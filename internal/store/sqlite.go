package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/civicmaps/ofisi/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS contributions (
	id                       TEXT PRIMARY KEY,
	latitude                 REAL NOT NULL,
	longitude                REAL NOT NULL,
	accuracy_meters          REAL,
	county                   TEXT NOT NULL DEFAULT '',
	constituency             TEXT NOT NULL DEFAULT '',
	constituency_code        TEXT NOT NULL DEFAULT '',
	office_location          TEXT NOT NULL,
	landmark                 TEXT NOT NULL DEFAULT '',
	google_maps_link         TEXT NOT NULL DEFAULT '',
	submission_source        TEXT NOT NULL DEFAULT '',
	submission_method        TEXT NOT NULL DEFAULT '',
	image_path               TEXT NOT NULL DEFAULT '',
	image_url                TEXT NOT NULL DEFAULT '',
	device_metadata          TEXT,
	geocode_metadata         TEXT,
	confidence_score         INTEGER NOT NULL DEFAULT 0,
	duplicate_candidate_ids  TEXT,
	duplicate_checked        INTEGER NOT NULL DEFAULT 0,
	confirmation_count       INTEGER NOT NULL DEFAULT 0,
	status                   TEXT NOT NULL DEFAULT 'pending_review',
	review_notes             TEXT NOT NULL DEFAULT '',
	reviewed_at              DATETIME,
	is_archived              INTEGER NOT NULL DEFAULT 0,
	archived_at              DATETIME,
	archive_reason           TEXT NOT NULL DEFAULT '',
	original_office_id       TEXT NOT NULL DEFAULT '',
	submitter_id             TEXT NOT NULL DEFAULT '',
	reviewer_id              TEXT NOT NULL DEFAULT '',
	created_at               DATETIME NOT NULL,
	updated_at               DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS offices (
	id                           TEXT PRIMARY KEY,
	county                       TEXT NOT NULL DEFAULT '',
	constituency                 TEXT NOT NULL DEFAULT '',
	constituency_code            TEXT NOT NULL DEFAULT '',
	office_location              TEXT NOT NULL,
	landmark                     TEXT NOT NULL DEFAULT '',
	latitude                     REAL NOT NULL,
	longitude                    REAL NOT NULL,
	verified                     INTEGER NOT NULL DEFAULT 0,
	verification_source          TEXT NOT NULL DEFAULT '',
	verified_by                  TEXT NOT NULL DEFAULT '',
	verified_at                  DATETIME,
	created_from_contribution_id TEXT NOT NULL DEFAULT '',
	confidence_score             INTEGER NOT NULL DEFAULT 0,
	image_url                    TEXT NOT NULL DEFAULT '',
	created_at                   DATETIME NOT NULL,
	updated_at                   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS confirmations (
	id              TEXT NOT NULL,
	contribution_id TEXT NOT NULL REFERENCES contributions(id),
	accuracy_meters REAL NOT NULL,
	distance_meters REAL NOT NULL,
	device_hash     TEXT NOT NULL,
	ip_hash         TEXT NOT NULL DEFAULT '',
	ua_hash         TEXT NOT NULL DEFAULT '',
	weight          INTEGER NOT NULL,
	confirmed_at    DATETIME NOT NULL,
	PRIMARY KEY (contribution_id, device_hash)
);

CREATE TABLE IF NOT EXISTS archives (
	id                 TEXT PRIMARY KEY,
	contribution_id    TEXT NOT NULL REFERENCES contributions(id),
	action_type        TEXT NOT NULL,
	actor              TEXT NOT NULL,
	review_notes       TEXT NOT NULL DEFAULT '',
	archive_reason     TEXT NOT NULL DEFAULT '',
	original_office_id TEXT NOT NULL DEFAULT '',
	snapshot           TEXT NOT NULL,
	archived_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_log (
	id              TEXT PRIMARY KEY,
	contribution_id TEXT NOT NULL,
	office_id       TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	actor           TEXT NOT NULL,
	details         TEXT,
	created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contributions_status ON contributions(status);
CREATE INDEX IF NOT EXISTS idx_contributions_county ON contributions(county);
CREATE INDEX IF NOT EXISTS idx_offices_verified ON offices(verified);
CREATE INDEX IF NOT EXISTS idx_offices_latlng ON offices(latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_archives_contribution ON archives(contribution_id);
CREATE INDEX IF NOT EXISTS idx_confirmations_contribution ON confirmations(contribution_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const contributionCols = `id, latitude, longitude, accuracy_meters, county, constituency,
	constituency_code, office_location, landmark, google_maps_link, submission_source,
	submission_method, image_path, image_url, device_metadata, geocode_metadata,
	confidence_score, duplicate_candidate_ids, duplicate_checked, confirmation_count,
	status, review_notes, reviewed_at, is_archived, archived_at, archive_reason,
	original_office_id, submitter_id, reviewer_id, created_at, updated_at`

func (s *SQLiteStore) CreateContribution(ctx context.Context, c *model.Contribution) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.StatusPendingReview
	}

	deviceJSON, err := marshalNullable(c.DeviceMetadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal device metadata")
	}
	geocodeJSON, err := marshalNullable(c.GeocodeMetadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal geocode metadata")
	}
	dupJSON, err := marshalNullable(c.DuplicateCandidateIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal duplicate candidates")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contributions (`+contributionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Latitude, c.Longitude, c.AccuracyMeters, c.County, c.Constituency,
		c.ConstituencyCode, c.OfficeLocation, c.Landmark, c.GoogleMapsLink, c.SubmissionSource,
		c.SubmissionMethod, c.ImagePath, c.ImageURL, deviceJSON, geocodeJSON,
		c.ConfidenceScore, dupJSON, c.DuplicateChecked, c.ConfirmationCount,
		string(c.Status), c.ReviewNotes, c.ReviewedAt, c.IsArchived, c.ArchivedAt, c.ArchiveReason,
		c.OriginalOfficeID, c.SubmitterID, c.ReviewerID, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert contribution")
}

func (s *SQLiteStore) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contributionCols+` FROM contributions WHERE id = ?`, id)
	return scanContribution(row)
}

func (s *SQLiteStore) ListContributions(ctx context.Context, f ContributionFilter) ([]model.Contribution, error) {
	query := `SELECT ` + contributionCols + ` FROM contributions WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.County != "" {
		query += ` AND county = ?`
		args = append(args, f.County)
	}
	if f.MinConfidence > 0 {
		query += ` AND confidence_score >= ?`
		args = append(args, f.MinConfidence)
	}
	if f.Archived != nil {
		query += ` AND is_archived = ?`
		args = append(args, *f.Archived)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contributions")
	}
	defer rows.Close()

	var out []model.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate contributions")
}

func (s *SQLiteStore) SetContributionStatus(ctx context.Context, id string, from, to model.ContributionStatus, reviewNotes string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE contributions
		 SET status = ?, review_notes = CASE WHEN ? != '' THEN ? ELSE review_notes END,
		     reviewed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), reviewNotes, reviewNotes, now, now, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set status %s", id)
	}
	return casOutcome(ctx, s.db, res, id)
}

func (s *SQLiteStore) ArchiveContribution(ctx context.Context, p ArchiveParams) (*model.ArchiveRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin archive tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE contributions
		 SET status = ?, is_archived = 1, archived_at = ?, archive_reason = ?,
		     review_notes = ?, reviewed_at = ?, original_office_id = CASE WHEN ? != '' THEN ? ELSE original_office_id END,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusArchived), now, p.ArchiveReason,
		p.ReviewNotes, now, p.OriginalOfficeID, p.OriginalOfficeID,
		now, p.ContributionID, string(model.StatusPendingReview),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: archive contribution %s", p.ContributionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		row := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM contributions WHERE id = ?`, p.ContributionID)
		var exists int
		if err := row.Scan(&exists); err != nil {
			return nil, eris.Wrap(err, "sqlite: check contribution exists")
		}
		if exists == 0 {
			return nil, eris.Wrapf(ErrNotFound, "contribution %s", p.ContributionID)
		}
		return nil, eris.Wrapf(ErrConcurrentModification, "contribution %s", p.ContributionID)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+contributionCols+` FROM contributions WHERE id = ?`, p.ContributionID)
	snap, err := scanContribution(row)
	if err != nil {
		return nil, err
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal snapshot")
	}

	rec := &model.ArchiveRecord{
		ID:               uuid.New().String(),
		ContributionID:   p.ContributionID,
		ActionType:       p.Action,
		Actor:            p.Actor,
		ReviewNotes:      p.ReviewNotes,
		ArchiveReason:    p.ArchiveReason,
		OriginalOfficeID: p.OriginalOfficeID,
		Snapshot:         snapJSON,
		ArchivedAt:       now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO archives (id, contribution_id, action_type, actor, review_notes, archive_reason, original_office_id, snapshot, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ContributionID, string(rec.ActionType), rec.Actor, rec.ReviewNotes,
		rec.ArchiveReason, rec.OriginalOfficeID, string(snapJSON), rec.ArchivedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert archive record")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit archive tx")
	}
	return rec, nil
}

func (s *SQLiteStore) RestoreContribution(ctx context.Context, contributionID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE contributions
		 SET status = ?, is_archived = 0, archived_at = NULL, archive_reason = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusPendingReview), now, contributionID, string(model.StatusArchived),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: restore contribution %s", contributionID)
	}
	return casOutcome(ctx, s.db, res, contributionID)
}

func (s *SQLiteStore) CreateOffice(ctx context.Context, o *model.CanonicalOffice) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offices (id, county, constituency, constituency_code, office_location, landmark,
			latitude, longitude, verified, verification_source, verified_by, verified_at,
			created_from_contribution_id, confidence_score, image_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.County, o.Constituency, o.ConstituencyCode, o.OfficeLocation, o.Landmark,
		o.Latitude, o.Longitude, o.Verified, o.VerificationSource, o.VerifiedBy, o.VerifiedAt,
		o.CreatedFromContributionID, o.ConfidenceScore, o.ImageURL, o.CreatedAt, o.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert office")
}

const officeCols = `id, county, constituency, constituency_code, office_location, landmark,
	latitude, longitude, verified, verification_source, verified_by, verified_at,
	created_from_contribution_id, confidence_score, image_url, created_at, updated_at`

func (s *SQLiteStore) GetOffice(ctx context.Context, id string) (*model.CanonicalOffice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+officeCols+` FROM offices WHERE id = ?`, id)
	return scanOffice(row)
}

func (s *SQLiteStore) UpdateOfficeProvenance(ctx context.Context, officeID string, p OfficeProvenance) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offices
		 SET verification_source = ?, verified_by = ?, verified_at = ?,
		     created_from_contribution_id = ?, confidence_score = ?,
		     image_url = CASE WHEN ? != '' THEN ? ELSE image_url END,
		     updated_at = ?
		 WHERE id = ?`,
		p.VerificationSource, p.VerifiedBy, p.VerifiedAt,
		p.CreatedFromContributionID, p.ConfidenceScore,
		p.ImageURL, p.ImageURL,
		time.Now().UTC(), officeID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update office provenance %s", officeID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "office %s", officeID)
	}
	return nil
}

func (s *SQLiteStore) VerifiedOfficesInBBox(ctx context.Context, box BBox, nameHint string) ([]model.CanonicalOffice, error) {
	query := `SELECT ` + officeCols + ` FROM offices
		WHERE verified = 1 AND latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?`
	args := []any{box.MinLat, box.MaxLat, box.MinLng, box.MaxLng}

	if nameHint != "" {
		query += ` AND LOWER(office_location) LIKE ?`
		args = append(args, "%"+strings.ToLower(nameHint)+"%")
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query offices in bbox")
	}
	defer rows.Close()

	var out []model.CanonicalOffice
	for rows.Next() {
		o, err := scanOffice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate offices")
}

func (s *SQLiteStore) AddConfirmation(ctx context.Context, rec *model.ConfirmationRecord, dedupWindow time.Duration) (int, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ConfirmedAt.IsZero() {
		rec.ConfirmedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin confirmation tx")
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := rec.ConfirmedAt.Add(-dedupWindow)
	var existingAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT confirmed_at FROM confirmations WHERE contribution_id = ? AND device_hash = ?`,
		rec.ContributionID, rec.DeviceHash,
	).Scan(&existingAt)
	switch {
	case err == nil:
		if existingAt.After(cutoff) {
			return 0, eris.Wrapf(ErrConfirmationExists, "contribution %s device %s", rec.ContributionID, rec.DeviceHash)
		}
		// Expired record: the fresh confirmation supersedes it in place so
		// the (contribution, device) key stays unique.
		_, err = tx.ExecContext(ctx,
			`UPDATE confirmations
			 SET id = ?, accuracy_meters = ?, distance_meters = ?, ip_hash = ?, ua_hash = ?, weight = ?, confirmed_at = ?
			 WHERE contribution_id = ? AND device_hash = ?`,
			rec.ID, rec.AccuracyMeters, rec.DistanceMeters, rec.IPHash, rec.UAHash, rec.Weight, rec.ConfirmedAt,
			rec.ContributionID, rec.DeviceHash,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: supersede expired confirmation")
		}
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO confirmations (id, contribution_id, accuracy_meters, distance_meters, device_hash, ip_hash, ua_hash, weight, confirmed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ContributionID, rec.AccuracyMeters, rec.DistanceMeters,
			rec.DeviceHash, rec.IPHash, rec.UAHash, rec.Weight, rec.ConfirmedAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return 0, eris.Wrapf(ErrConfirmationExists, "contribution %s device %s", rec.ContributionID, rec.DeviceHash)
			}
			return 0, eris.Wrap(err, "sqlite: insert confirmation")
		}
	default:
		return 0, eris.Wrap(err, "sqlite: check existing confirmation")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE contributions SET confirmation_count = confirmation_count + ?, updated_at = ? WHERE id = ?`,
		rec.Weight, time.Now().UTC(), rec.ContributionID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bump confirmation count")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return 0, eris.Wrapf(ErrNotFound, "contribution %s", rec.ContributionID)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT confirmation_count FROM contributions WHERE id = ?`, rec.ContributionID,
	).Scan(&count)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: read confirmation count")
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit confirmation tx")
	}
	return count, nil
}

func (s *SQLiteStore) CountConfirmations(ctx context.Context, contributionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM confirmations WHERE contribution_id = ?`, contributionID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count confirmations")
}

func (s *SQLiteStore) GetArchive(ctx context.Context, archiveID string) (*model.ArchiveRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, contribution_id, action_type, actor, review_notes, archive_reason, original_office_id, snapshot, archived_at
		 FROM archives WHERE id = ?`, archiveID)
	return scanArchive(row)
}

func (s *SQLiteStore) ListArchives(ctx context.Context, limit, offset int) ([]model.ArchiveRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, contribution_id, action_type, actor, review_notes, archive_reason, original_office_id, snapshot, archived_at
		 FROM archives ORDER BY archived_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list archives")
	}
	defer rows.Close()

	var out []model.ArchiveRecord
	for rows.Next() {
		rec, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate archives")
}

func (s *SQLiteStore) CountArchives(ctx context.Context, contributionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM archives WHERE contribution_id = ?`, contributionID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count archives")
}

func (s *SQLiteStore) AppendVerificationLog(ctx context.Context, e *model.VerificationLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_log (id, contribution_id, office_id, action, actor, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContributionID, e.OfficeID, e.Action, e.Actor, nullableJSON(e.Details), e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append verification log")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
		       COALESCE(SUM(CASE WHEN status = 'pending_review' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'more_info_requested' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_archived = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN confidence_score >= 80 THEN 1 ELSE 0 END), 0)
		FROM contributions`)
	if err := row.Scan(&st.Total, &st.PendingReview, &st.MoreInfo, &st.Archived, &st.HighConfidence); err != nil {
		return nil, eris.Wrap(err, "sqlite: contribution stats")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM offices WHERE verified = 1`).Scan(&st.Offices); err != nil {
		return nil, eris.Wrap(err, "sqlite: office stats")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM confirmations`).Scan(&st.Confirmations); err != nil {
		return nil, eris.Wrap(err, "sqlite: confirmation stats")
	}
	return st, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanContribution(row scannable) (*model.Contribution, error) {
	var c model.Contribution
	var status string
	var deviceJSON, geocodeJSON, dupJSON sql.NullString
	var reviewedAt, archivedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.Latitude, &c.Longitude, &c.AccuracyMeters, &c.County, &c.Constituency,
		&c.ConstituencyCode, &c.OfficeLocation, &c.Landmark, &c.GoogleMapsLink, &c.SubmissionSource,
		&c.SubmissionMethod, &c.ImagePath, &c.ImageURL, &deviceJSON, &geocodeJSON,
		&c.ConfidenceScore, &dupJSON, &c.DuplicateChecked, &c.ConfirmationCount,
		&status, &c.ReviewNotes, &reviewedAt, &c.IsArchived, &archivedAt, &c.ArchiveReason,
		&c.OriginalOfficeID, &c.SubmitterID, &c.ReviewerID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "contribution")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan contribution")
	}

	c.Status = model.NormalizeStatus(status)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		c.ReviewedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		c.ArchivedAt = &t
	}
	if deviceJSON.Valid && deviceJSON.String != "" {
		if err := json.Unmarshal([]byte(deviceJSON.String), &c.DeviceMetadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal device metadata")
		}
	}
	if geocodeJSON.Valid && geocodeJSON.String != "" {
		if err := json.Unmarshal([]byte(geocodeJSON.String), &c.GeocodeMetadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal geocode metadata")
		}
	}
	if dupJSON.Valid && dupJSON.String != "" {
		if err := json.Unmarshal([]byte(dupJSON.String), &c.DuplicateCandidateIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal duplicate candidates")
		}
	}
	return &c, nil
}

func scanOffice(row scannable) (*model.CanonicalOffice, error) {
	var o model.CanonicalOffice
	var verifiedAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.County, &o.Constituency, &o.ConstituencyCode, &o.OfficeLocation, &o.Landmark,
		&o.Latitude, &o.Longitude, &o.Verified, &o.VerificationSource, &o.VerifiedBy, &verifiedAt,
		&o.CreatedFromContributionID, &o.ConfidenceScore, &o.ImageURL, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "office")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan office")
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		o.VerifiedAt = &t
	}
	return &o, nil
}

func scanArchive(row scannable) (*model.ArchiveRecord, error) {
	var rec model.ArchiveRecord
	var action, snapshot string

	err := row.Scan(&rec.ID, &rec.ContributionID, &action, &rec.Actor, &rec.ReviewNotes,
		&rec.ArchiveReason, &rec.OriginalOfficeID, &snapshot, &rec.ArchivedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "archive record")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan archive")
	}
	rec.ActionType = model.ArchiveAction(action)
	rec.Snapshot = json.RawMessage(snapshot)
	return &rec, nil
}

// casOutcome distinguishes a lost compare-and-set from a missing row after
// a zero-row UPDATE.
func casOutcome(ctx context.Context, db *sql.DB, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM contributions WHERE id = ?`, id).Scan(&exists); err != nil {
		return eris.Wrap(err, "sqlite: check contribution exists")
	}
	if exists == 0 {
		return eris.Wrapf(ErrNotFound, "contribution %s", id)
	}
	return eris.Wrapf(ErrConcurrentModification, "contribution %s", id)
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	// Typed nils and empty slices store as NULL rather than "null".
	switch t := v.(type) {
	case *model.DeviceMetadata:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *model.GeocodeMetadata:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
