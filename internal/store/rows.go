package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Charity is one charities row. EIN is the key everywhere.
type Charity struct {
	EIN       string
	Name      string
	Website   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertCharity inserts or refreshes a charity. created_at survives
// updates.
func (s *Store) UpsertCharity(ein, name, website string) error {
	now := encodeTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO charities (ein, name, website, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ein) DO UPDATE SET
			name = excluded.name,
			website = excluded.website,
			updated_at = excluded.updated_at
	`, ein, name, website, now, now)
	if err != nil {
		return fmt.Errorf("upsert charity %s: %w", ein, err)
	}
	return nil
}

func (s *Store) Charity(ein string) (Charity, bool, error) {
	var c Charity
	var created, updated string
	err := s.db.QueryRow(`
		SELECT ein, name, website, created_at, updated_at
		FROM charities WHERE ein = ?`, ein).
		Scan(&c.EIN, &c.Name, &c.Website, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Charity{}, false, nil
	}
	if err != nil {
		return Charity{}, false, fmt.Errorf("read charity %s: %w", ein, err)
	}
	c.CreatedAt, c.UpdatedAt = decodeTime(created), decodeTime(updated)
	return c, true, nil
}

func (s *Store) Charities() ([]Charity, error) {
	rows, err := s.db.Query(`
		SELECT ein, name, website, created_at, updated_at
		FROM charities ORDER BY ein`)
	if err != nil {
		return nil, fmt.Errorf("list charities: %w", err)
	}
	defer rows.Close()

	var out []Charity
	for rows.Next() {
		var c Charity
		var created, updated string
		if err := rows.Scan(&c.EIN, &c.Name, &c.Website, &created, &updated); err != nil {
			return nil, fmt.Errorf("list charities: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = decodeTime(created), decodeTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RawRecord is one raw_scraped_data row: the stored payload of one
// source for one charity, with its parse outcome and retry state.
type RawRecord struct {
	CharityID    string
	Source       string
	RawPayload   string
	ContentType  string
	Parsed       map[string]any // nil until a parse succeeds
	Success      bool
	ErrorMessage string
	RetryCount   int
	ScrapedAt    time.Time
	AttemptID    string
}

func (s *Store) RawRecord(charityID, source string) (RawRecord, bool, error) {
	var r RawRecord
	var parsed sql.NullString
	var success int
	var at string
	err := s.db.QueryRow(`
		SELECT charity_id, source, raw_payload, content_type, parsed_payload,
		       success, error_message, retry_count, scraped_at, attempt_id
		FROM raw_scraped_data WHERE charity_id = ? AND source = ?`,
		charityID, source).
		Scan(&r.CharityID, &r.Source, &r.RawPayload, &r.ContentType, &parsed,
			&success, &r.ErrorMessage, &r.RetryCount, &at, &r.AttemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return RawRecord{}, false, nil
	}
	if err != nil {
		return RawRecord{}, false, fmt.Errorf("read raw %s/%s: %w", charityID, source, err)
	}
	r.Success = success != 0
	r.ScrapedAt = decodeTime(at)
	if r.Parsed, err = decodeDoc(parsed); err != nil {
		return RawRecord{}, false, fmt.Errorf("read raw %s/%s: %w", charityID, source, err)
	}
	return r, true, nil
}

func (s *Store) UpsertRawRecord(r RawRecord) error {
	parsed, err := encodeDoc(r.Parsed)
	if err != nil {
		return fmt.Errorf("upsert raw %s/%s: %w", r.CharityID, r.Source, err)
	}
	if r.ScrapedAt.IsZero() {
		r.ScrapedAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO raw_scraped_data
			(charity_id, source, raw_payload, content_type, parsed_payload,
			 success, error_message, retry_count, scraped_at, attempt_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(charity_id, source) DO UPDATE SET
			raw_payload = excluded.raw_payload,
			content_type = excluded.content_type,
			parsed_payload = excluded.parsed_payload,
			success = excluded.success,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			scraped_at = excluded.scraped_at,
			attempt_id = excluded.attempt_id
	`, r.CharityID, r.Source, r.RawPayload, r.ContentType, parsed,
		boolInt(r.Success), r.ErrorMessage, r.RetryCount, encodeTime(r.ScrapedAt),
		r.AttemptID)
	if err != nil {
		return fmt.Errorf("upsert raw %s/%s: %w", r.CharityID, r.Source, err)
	}
	return nil
}

func (s *Store) RawRecords(charityID string) ([]RawRecord, error) {
	rows, err := s.db.Query(`
		SELECT charity_id, source, raw_payload, content_type, parsed_payload,
		       success, error_message, retry_count, scraped_at, attempt_id
		FROM raw_scraped_data WHERE charity_id = ? ORDER BY source`, charityID)
	if err != nil {
		return nil, fmt.Errorf("list raw %s: %w", charityID, err)
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var r RawRecord
		var parsed sql.NullString
		var success int
		var at string
		if err := rows.Scan(&r.CharityID, &r.Source, &r.RawPayload, &r.ContentType,
			&parsed, &success, &r.ErrorMessage, &r.RetryCount, &at, &r.AttemptID); err != nil {
			return nil, fmt.Errorf("list raw %s: %w", charityID, err)
		}
		r.Success = success != 0
		r.ScrapedAt = decodeTime(at)
		if r.Parsed, err = decodeDoc(parsed); err != nil {
			return nil, fmt.Errorf("list raw %s: %w", charityID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutCharityData stores the synthesized document for a charity.
func (s *Store) PutCharityData(charityID string, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("put charity_data %s: %w", charityID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO charity_data (charity_id, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(charity_id) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`, charityID, string(data), encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put charity_data %s: %w", charityID, err)
	}
	return nil
}

func (s *Store) CharityData(charityID string) (map[string]any, bool, error) {
	var doc string
	err := s.db.QueryRow(
		"SELECT document FROM charity_data WHERE charity_id = ?", charityID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read charity_data %s: %w", charityID, err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, false, fmt.Errorf("read charity_data %s: %w", charityID, err)
	}
	return m, true, nil
}

// Evaluation is one evaluations row: the working evaluation document
// with the judge's score and the cumulative LLM cost.
type Evaluation struct {
	CharityID  string
	Document   map[string]any
	JudgeScore *float64
	CostUSD    float64
	UpdatedAt  time.Time
}

func (s *Store) PutEvaluation(e Evaluation) error {
	data, err := json.Marshal(e.Document)
	if err != nil {
		return fmt.Errorf("put evaluation %s: %w", e.CharityID, err)
	}
	var score sql.NullFloat64
	if e.JudgeScore != nil {
		score = sql.NullFloat64{Float64: *e.JudgeScore, Valid: true}
	}
	_, err = s.db.Exec(`
		INSERT INTO evaluations (charity_id, document, judge_score, cost_usd, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(charity_id) DO UPDATE SET
			document = excluded.document,
			judge_score = excluded.judge_score,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at
	`, e.CharityID, string(data), score, e.CostUSD, encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put evaluation %s: %w", e.CharityID, err)
	}
	return nil
}

func (s *Store) Evaluation(charityID string) (Evaluation, bool, error) {
	var e Evaluation
	var doc, at string
	var score sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT charity_id, document, judge_score, cost_usd, updated_at
		FROM evaluations WHERE charity_id = ?`, charityID).
		Scan(&e.CharityID, &doc, &score, &e.CostUSD, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Evaluation{}, false, nil
	}
	if err != nil {
		return Evaluation{}, false, fmt.Errorf("read evaluation %s: %w", charityID, err)
	}
	if err := json.Unmarshal([]byte(doc), &e.Document); err != nil {
		return Evaluation{}, false, fmt.Errorf("read evaluation %s: %w", charityID, err)
	}
	if score.Valid {
		e.JudgeScore = &score.Float64
	}
	e.UpdatedAt = decodeTime(at)
	return e, true, nil
}

// Citation is one citations row, keyed by (charity, citation id).
type Citation struct {
	CharityID string
	ID        string
	SourceURL string
	Title     string
	Quote     string
}

// ReplaceCitations swaps a charity's citation set atomically.
func (s *Store) ReplaceCitations(charityID string, cites []Citation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace citations %s: %w", charityID, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM citations WHERE charity_id = ?", charityID); err != nil {
		return fmt.Errorf("replace citations %s: %w", charityID, err)
	}
	for _, c := range cites {
		if _, err := tx.Exec(`
			INSERT INTO citations (charity_id, citation_id, source_url, title, quote)
			VALUES (?, ?, ?, ?, ?)
		`, charityID, c.ID, c.SourceURL, c.Title, c.Quote); err != nil {
			return fmt.Errorf("replace citations %s: %w", charityID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Citations(charityID string) ([]Citation, error) {
	rows, err := s.db.Query(`
		SELECT charity_id, citation_id, source_url, title, quote
		FROM citations WHERE charity_id = ? ORDER BY citation_id`, charityID)
	if err != nil {
		return nil, fmt.Errorf("list citations %s: %w", charityID, err)
	}
	defer rows.Close()

	var out []Citation
	for rows.Next() {
		var c Citation
		if err := rows.Scan(&c.CharityID, &c.ID, &c.SourceURL, &c.Title, &c.Quote); err != nil {
			return nil, fmt.Errorf("list citations %s: %w", charityID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PhaseEntry is one phase_cache row. Its presence with a matching
// fingerprint inside the phase TTL lets a run skip the phase.
type PhaseEntry struct {
	CharityID   string
	Phase       string
	Fingerprint string
	RanAt       time.Time
	CostUSD     float64
}

func (s *Store) PhaseEntry(charityID, phase string) (PhaseEntry, bool, error) {
	var e PhaseEntry
	var at string
	err := s.db.QueryRow(`
		SELECT charity_id, phase, fingerprint, ran_at, cost_usd
		FROM phase_cache WHERE charity_id = ? AND phase = ?`,
		charityID, phase).
		Scan(&e.CharityID, &e.Phase, &e.Fingerprint, &at, &e.CostUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return PhaseEntry{}, false, nil
	}
	if err != nil {
		return PhaseEntry{}, false, fmt.Errorf("read phase %s/%s: %w", charityID, phase, err)
	}
	e.RanAt = decodeTime(at)
	return e, true, nil
}

func (s *Store) UpsertPhaseEntry(e PhaseEntry) error {
	if e.RanAt.IsZero() {
		e.RanAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO phase_cache (charity_id, phase, fingerprint, ran_at, cost_usd)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(charity_id, phase) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			ran_at = excluded.ran_at,
			cost_usd = excluded.cost_usd
	`, e.CharityID, e.Phase, e.Fingerprint, encodeTime(e.RanAt), e.CostUSD)
	if err != nil {
		return fmt.Errorf("upsert phase %s/%s: %w", e.CharityID, e.Phase, err)
	}
	return nil
}

func (s *Store) DeletePhaseEntry(charityID, phase string) error {
	_, err := s.db.Exec(
		"DELETE FROM phase_cache WHERE charity_id = ? AND phase = ?", charityID, phase)
	if err != nil {
		return fmt.Errorf("delete phase %s/%s: %w", charityID, phase, err)
	}
	return nil
}

// ClearCharityPhases drops one charity's phase entries, forcing a full
// re-run for that charity only.
func (s *Store) ClearCharityPhases(charityID string) error {
	if _, err := s.db.Exec("DELETE FROM phase_cache WHERE charity_id = ?", charityID); err != nil {
		return fmt.Errorf("clear phases %s: %w", charityID, err)
	}
	return nil
}

// ClearPhaseCache drops every phase entry, forcing full re-runs.
func (s *Store) ClearPhaseCache() error {
	if _, err := s.db.Exec("DELETE FROM phase_cache"); err != nil {
		return fmt.Errorf("clear phase cache: %w", err)
	}
	return nil
}

// PhaseEntries lists a charity's phase rows, for cache-status reporting.
func (s *Store) PhaseEntries(charityID string) ([]PhaseEntry, error) {
	rows, err := s.db.Query(`
		SELECT charity_id, phase, fingerprint, ran_at, cost_usd
		FROM phase_cache WHERE charity_id = ? ORDER BY phase`, charityID)
	if err != nil {
		return nil, fmt.Errorf("list phases %s: %w", charityID, err)
	}
	defer rows.Close()

	var out []PhaseEntry
	for rows.Next() {
		var e PhaseEntry
		var at string
		if err := rows.Scan(&e.CharityID, &e.Phase, &e.Fingerprint, &at, &e.CostUSD); err != nil {
			return nil, fmt.Errorf("list phases %s: %w", charityID, err)
		}
		e.RanAt = decodeTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeDoc(doc map[string]any) (sql.NullString, error) {
	if doc == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeDoc(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
