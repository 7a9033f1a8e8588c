package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/civicmaps/ofisi/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS contributions (
	id                       TEXT PRIMARY KEY,
	latitude                 DOUBLE PRECISION NOT NULL,
	longitude                DOUBLE PRECISION NOT NULL,
	accuracy_meters          DOUBLE PRECISION,
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
	device_metadata          JSONB,
	geocode_metadata         JSONB,
	confidence_score         INTEGER NOT NULL DEFAULT 0,
	duplicate_candidate_ids  JSONB,
	duplicate_checked        BOOLEAN NOT NULL DEFAULT FALSE,
	confirmation_count       INTEGER NOT NULL DEFAULT 0,
	status                   TEXT NOT NULL DEFAULT 'pending_review',
	review_notes             TEXT NOT NULL DEFAULT '',
	reviewed_at              TIMESTAMPTZ,
	is_archived              BOOLEAN NOT NULL DEFAULT FALSE,
	archived_at              TIMESTAMPTZ,
	archive_reason           TEXT NOT NULL DEFAULT '',
	original_office_id       TEXT NOT NULL DEFAULT '',
	submitter_id             TEXT NOT NULL DEFAULT '',
	reviewer_id              TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS offices (
	id                           TEXT PRIMARY KEY,
	county                       TEXT NOT NULL DEFAULT '',
	constituency                 TEXT NOT NULL DEFAULT '',
	constituency_code            TEXT NOT NULL DEFAULT '',
	office_location              TEXT NOT NULL,
	landmark                     TEXT NOT NULL DEFAULT '',
	latitude                     DOUBLE PRECISION NOT NULL,
	longitude                    DOUBLE PRECISION NOT NULL,
	verified                     BOOLEAN NOT NULL DEFAULT FALSE,
	verification_source          TEXT NOT NULL DEFAULT '',
	verified_by                  TEXT NOT NULL DEFAULT '',
	verified_at                  TIMESTAMPTZ,
	created_from_contribution_id TEXT NOT NULL DEFAULT '',
	confidence_score             INTEGER NOT NULL DEFAULT 0,
	image_url                    TEXT NOT NULL DEFAULT '',
	created_at                   TIMESTAMPTZ NOT NULL,
	updated_at                   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS confirmations (
	id              TEXT NOT NULL,
	contribution_id TEXT NOT NULL REFERENCES contributions(id),
	accuracy_meters DOUBLE PRECISION NOT NULL,
	distance_meters DOUBLE PRECISION NOT NULL,
	device_hash     TEXT NOT NULL,
	ip_hash         TEXT NOT NULL DEFAULT '',
	ua_hash         TEXT NOT NULL DEFAULT '',
	weight          INTEGER NOT NULL,
	confirmed_at    TIMESTAMPTZ NOT NULL,
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
	snapshot           JSONB NOT NULL,
	archived_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_log (
	id              TEXT PRIMARY KEY,
	contribution_id TEXT NOT NULL,
	office_id       TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	actor           TEXT NOT NULL,
	details         JSONB,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contributions_status ON contributions(status);
CREATE INDEX IF NOT EXISTS idx_contributions_county ON contributions(county);
CREATE INDEX IF NOT EXISTS idx_offices_verified ON offices(verified);
CREATE INDEX IF NOT EXISTS idx_offices_latlng ON offices(latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_archives_contribution ON archives(contribution_id);
CREATE INDEX IF NOT EXISTS idx_confirmations_contribution ON confirmations(contribution_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateContribution(ctx context.Context, c *model.Contribution) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.StatusPendingReview
	}

	deviceJSON, err := jsonOrNil(c.DeviceMetadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal device metadata")
	}
	geocodeJSON, err := jsonOrNil(c.GeocodeMetadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal geocode metadata")
	}
	var dupJSON []byte
	if len(c.DuplicateCandidateIDs) > 0 {
		dupJSON, err = json.Marshal(c.DuplicateCandidateIDs)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal duplicate candidates")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO contributions (`+contributionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		         $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
		c.ID, c.Latitude, c.Longitude, c.AccuracyMeters, c.County, c.Constituency,
		c.ConstituencyCode, c.OfficeLocation, c.Landmark, c.GoogleMapsLink, c.SubmissionSource,
		c.SubmissionMethod, c.ImagePath, c.ImageURL, deviceJSON, geocodeJSON,
		c.ConfidenceScore, dupJSON, c.DuplicateChecked, c.ConfirmationCount,
		string(c.Status), c.ReviewNotes, c.ReviewedAt, c.IsArchived, c.ArchivedAt, c.ArchiveReason,
		c.OriginalOfficeID, c.SubmitterID, c.ReviewerID, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert contribution")
}

func (s *PostgresStore) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contributionCols+` FROM contributions WHERE id = $1`, id)
	return scanContributionPG(row)
}

func (s *PostgresStore) ListContributions(ctx context.Context, f ContributionFilter) ([]model.Contribution, error) {
	query := `SELECT ` + contributionCols + ` FROM contributions WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.County != "" {
		query += ` AND county = ` + arg(f.County)
	}
	if f.MinConfidence > 0 {
		query += ` AND confidence_score >= ` + arg(f.MinConfidence)
	}
	if f.Archived != nil {
		query += ` AND is_archived = ` + arg(*f.Archived)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ` + arg(f.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contributions")
	}
	defer rows.Close()

	var out []model.Contribution
	for rows.Next() {
		c, err := scanContributionPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate contributions")
}

func (s *PostgresStore) SetContributionStatus(ctx context.Context, id string, from, to model.ContributionStatus, reviewNotes string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE contributions
		 SET status = $1, review_notes = CASE WHEN $2 != '' THEN $2 ELSE review_notes END,
		     reviewed_at = $3, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(to), reviewNotes, now, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.casFailure(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ArchiveContribution(ctx context.Context, p ArchiveParams) (*model.ArchiveRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin archive tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE contributions
		 SET status = $1, is_archived = TRUE, archived_at = $2, archive_reason = $3,
		     review_notes = $4, reviewed_at = $2,
		     original_office_id = CASE WHEN $5 != '' THEN $5 ELSE original_office_id END,
		     updated_at = $2
		 WHERE id = $6 AND status = $7`,
		string(model.StatusArchived), now, p.ArchiveReason, p.ReviewNotes,
		p.OriginalOfficeID, p.ContributionID, string(model.StatusPendingReview),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: archive contribution %s", p.ContributionID)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.casFailure(ctx, p.ContributionID)
	}

	row := tx.QueryRow(ctx, `SELECT `+contributionCols+` FROM contributions WHERE id = $1`, p.ContributionID)
	snap, err := scanContributionPG(row)
	if err != nil {
		return nil, err
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal snapshot")
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
	_, err = tx.Exec(ctx,
		`INSERT INTO archives (id, contribution_id, action_type, actor, review_notes, archive_reason, original_office_id, snapshot, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ContributionID, string(rec.ActionType), rec.Actor, rec.ReviewNotes,
		rec.ArchiveReason, rec.OriginalOfficeID, snapJSON, rec.ArchivedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert archive record")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit archive tx")
	}
	return rec, nil
}

func (s *PostgresStore) RestoreContribution(ctx context.Context, contributionID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE contributions
		 SET status = $1, is_archived = FALSE, archived_at = NULL, archive_reason = '', updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.StatusPendingReview), now, contributionID, string(model.StatusArchived),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: restore contribution %s", contributionID)
	}
	if tag.RowsAffected() == 0 {
		return s.casFailure(ctx, contributionID)
	}
	return nil
}

func (s *PostgresStore) CreateOffice(ctx context.Context, o *model.CanonicalOffice) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO offices (id, county, constituency, constituency_code, office_location, landmark,
			latitude, longitude, verified, verification_source, verified_by, verified_at,
			created_from_contribution_id, confidence_score, image_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.County, o.Constituency, o.ConstituencyCode, o.OfficeLocation, o.Landmark,
		o.Latitude, o.Longitude, o.Verified, o.VerificationSource, o.VerifiedBy, o.VerifiedAt,
		o.CreatedFromContributionID, o.ConfidenceScore, o.ImageURL, o.CreatedAt, o.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert office")
}

func (s *PostgresStore) GetOffice(ctx context.Context, id string) (*model.CanonicalOffice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+officeCols+` FROM offices WHERE id = $1`, id)
	return scanOfficePG(row)
}

func (s *PostgresStore) UpdateOfficeProvenance(ctx context.Context, officeID string, p OfficeProvenance) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE offices
		 SET verification_source = $1, verified_by = $2, verified_at = $3,
		     created_from_contribution_id = $4, confidence_score = $5,
		     image_url = CASE WHEN $6 != '' THEN $6 ELSE image_url END,
		     updated_at = $7
		 WHERE id = $8`,
		p.VerificationSource, p.VerifiedBy, p.VerifiedAt,
		p.CreatedFromContributionID, p.ConfidenceScore, p.ImageURL,
		time.Now().UTC(), officeID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update office provenance %s", officeID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "office %s", officeID)
	}
	return nil
}

func (s *PostgresStore) VerifiedOfficesInBBox(ctx context.Context, box BBox, nameHint string) ([]model.CanonicalOffice, error) {
	query := `SELECT ` + officeCols + ` FROM offices
		WHERE verified = TRUE AND latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4`
	args := []any{box.MinLat, box.MaxLat, box.MinLng, box.MaxLng}

	if nameHint != "" {
		query += ` AND office_location ILIKE $5`
		args = append(args, "%"+nameHint+"%")
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query offices in bbox")
	}
	defer rows.Close()

	var out []model.CanonicalOffice
	for rows.Next() {
		o, err := scanOfficePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate offices")
}

func (s *PostgresStore) AddConfirmation(ctx context.Context, rec *model.ConfirmationRecord, dedupWindow time.Duration) (int, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ConfirmedAt.IsZero() {
		rec.ConfirmedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin confirmation tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cutoff := rec.ConfirmedAt.Add(-dedupWindow)
	var existingAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT confirmed_at FROM confirmations WHERE contribution_id = $1 AND device_hash = $2 FOR UPDATE`,
		rec.ContributionID, rec.DeviceHash,
	).Scan(&existingAt)
	switch {
	case err == nil:
		if existingAt.After(cutoff) {
			return 0, eris.Wrapf(ErrConfirmationExists, "contribution %s device %s", rec.ContributionID, rec.DeviceHash)
		}
		_, err = tx.Exec(ctx,
			`UPDATE confirmations
			 SET id = $1, accuracy_meters = $2, distance_meters = $3, ip_hash = $4, ua_hash = $5, weight = $6, confirmed_at = $7
			 WHERE contribution_id = $8 AND device_hash = $9`,
			rec.ID, rec.AccuracyMeters, rec.DistanceMeters, rec.IPHash, rec.UAHash, rec.Weight, rec.ConfirmedAt,
			rec.ContributionID, rec.DeviceHash,
		)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: supersede expired confirmation")
		}
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO confirmations (id, contribution_id, accuracy_meters, distance_meters, device_hash, ip_hash, ua_hash, weight, confirmed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, rec.ContributionID, rec.AccuracyMeters, rec.DistanceMeters,
			rec.DeviceHash, rec.IPHash, rec.UAHash, rec.Weight, rec.ConfirmedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return 0, eris.Wrapf(ErrConfirmationExists, "contribution %s device %s", rec.ContributionID, rec.DeviceHash)
			}
			return 0, eris.Wrap(err, "postgres: insert confirmation")
		}
	default:
		return 0, eris.Wrap(err, "postgres: check existing confirmation")
	}

	var count int
	err = tx.QueryRow(ctx,
		`UPDATE contributions SET confirmation_count = confirmation_count + $1, updated_at = $2
		 WHERE id = $3 RETURNING confirmation_count`,
		rec.Weight, time.Now().UTC(), rec.ContributionID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "contribution %s", rec.ContributionID)
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bump confirmation count")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit confirmation tx")
	}
	return count, nil
}

func (s *PostgresStore) CountConfirmations(ctx context.Context, contributionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM confirmations WHERE contribution_id = $1`, contributionID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count confirmations")
}

func (s *PostgresStore) GetArchive(ctx context.Context, archiveID string) (*model.ArchiveRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, contribution_id, action_type, actor, review_notes, archive_reason, original_office_id, snapshot, archived_at
		 FROM archives WHERE id = $1`, archiveID)
	return scanArchivePG(row)
}

func (s *PostgresStore) ListArchives(ctx context.Context, limit, offset int) ([]model.ArchiveRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, contribution_id, action_type, actor, review_notes, archive_reason, original_office_id, snapshot, archived_at
		 FROM archives ORDER BY archived_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list archives")
	}
	defer rows.Close()

	var out []model.ArchiveRecord
	for rows.Next() {
		rec, err := scanArchivePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate archives")
}

func (s *PostgresStore) CountArchives(ctx context.Context, contributionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM archives WHERE contribution_id = $1`, contributionID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count archives")
}

func (s *PostgresStore) AppendVerificationLog(ctx context.Context, e *model.VerificationLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var details []byte
	if len(e.Details) > 0 {
		details = e.Details
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_log (id, contribution_id, office_id, action, actor, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ContributionID, e.OfficeID, e.Action, e.Actor, details, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append verification log")
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1),
		       COALESCE(SUM(CASE WHEN status = 'pending_review' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'more_info_requested' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_archived THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN confidence_score >= 80 THEN 1 ELSE 0 END), 0)
		FROM contributions`)
	if err := row.Scan(&st.Total, &st.PendingReview, &st.MoreInfo, &st.Archived, &st.HighConfidence); err != nil {
		return nil, eris.Wrap(err, "postgres: contribution stats")
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM offices WHERE verified`).Scan(&st.Offices); err != nil {
		return nil, eris.Wrap(err, "postgres: office stats")
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM confirmations`).Scan(&st.Confirmations); err != nil {
		return nil, eris.Wrap(err, "postgres: confirmation stats")
	}
	return st, nil
}

// helpers

func (s *PostgresStore) casFailure(ctx context.Context, id string) error {
	var exists int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM contributions WHERE id = $1`, id).Scan(&exists); err != nil {
		return eris.Wrap(err, "postgres: check contribution exists")
	}
	if exists == 0 {
		return eris.Wrapf(ErrNotFound, "contribution %s", id)
	}
	return eris.Wrapf(ErrConcurrentModification, "contribution %s", id)
}

func scanContributionPG(row scannable) (*model.Contribution, error) {
	var c model.Contribution
	var status string
	var deviceJSON, geocodeJSON, dupJSON []byte
	var reviewedAt, archivedAt *time.Time

	err := row.Scan(
		&c.ID, &c.Latitude, &c.Longitude, &c.AccuracyMeters, &c.County, &c.Constituency,
		&c.ConstituencyCode, &c.OfficeLocation, &c.Landmark, &c.GoogleMapsLink, &c.SubmissionSource,
		&c.SubmissionMethod, &c.ImagePath, &c.ImageURL, &deviceJSON, &geocodeJSON,
		&c.ConfidenceScore, &dupJSON, &c.DuplicateChecked, &c.ConfirmationCount,
		&status, &c.ReviewNotes, &reviewedAt, &c.IsArchived, &archivedAt, &c.ArchiveReason,
		&c.OriginalOfficeID, &c.SubmitterID, &c.ReviewerID, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "contribution")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan contribution")
	}

	c.Status = model.NormalizeStatus(status)
	c.ReviewedAt = reviewedAt
	c.ArchivedAt = archivedAt
	if len(deviceJSON) > 0 {
		if err := json.Unmarshal(deviceJSON, &c.DeviceMetadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal device metadata")
		}
	}
	if len(geocodeJSON) > 0 {
		if err := json.Unmarshal(geocodeJSON, &c.GeocodeMetadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal geocode metadata")
		}
	}
	if len(dupJSON) > 0 {
		if err := json.Unmarshal(dupJSON, &c.DuplicateCandidateIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal duplicate candidates")
		}
	}
	return &c, nil
}

func scanOfficePG(row scannable) (*model.CanonicalOffice, error) {
	var o model.CanonicalOffice
	err := row.Scan(
		&o.ID, &o.County, &o.Constituency, &o.ConstituencyCode, &o.OfficeLocation, &o.Landmark,
		&o.Latitude, &o.Longitude, &o.Verified, &o.VerificationSource, &o.VerifiedBy, &o.VerifiedAt,
		&o.CreatedFromContributionID, &o.ConfidenceScore, &o.ImageURL, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "office")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan office")
	}
	return &o, nil
}

func scanArchivePG(row scannable) (*model.ArchiveRecord, error) {
	var rec model.ArchiveRecord
	var action string
	var snapshot []byte

	err := row.Scan(&rec.ID, &rec.ContributionID, &action, &rec.Actor, &rec.ReviewNotes,
		&rec.ArchiveReason, &rec.OriginalOfficeID, &snapshot, &rec.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "archive record")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan archive")
	}
	rec.ActionType = model.ArchiveAction(action)
	rec.Snapshot = json.RawMessage(snapshot)
	return &rec, nil
}

func jsonOrNil(v any) ([]byte, error) {
	switch t := v.(type) {
	case *model.DeviceMetadata:
		if t == nil {
			return nil, nil
		}
	case *model.GeocodeMetadata:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

