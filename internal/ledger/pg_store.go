package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/civicmesh/coordinator/internal/canonical"
	"github.com/civicmesh/coordinator/internal/models"
)

// PGStore persists ledger entries into Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed ledger store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// EnsureSchema creates the ledger table and query indexes if missing. The
// unique constraint on case_id is what makes Append idempotent per case.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS resolution_ledger (
  id text PRIMARY KEY,
  case_id text NOT NULL UNIQUE,
  outcome text NOT NULL,
  method text NOT NULL,
  confidence double precision NOT NULL,
  rationale text NOT NULL DEFAULT '',
  human_approver text,
  fallback_used boolean NOT NULL DEFAULT false,
  partial_context boolean NOT NULL DEFAULT false,
  agent_ids text[] NOT NULL DEFAULT '{}',
  locations text[] NOT NULL DEFAULT '{}',
  payload jsonb NOT NULL,
  prev_hash text NOT NULL DEFAULT '',
  hash text NOT NULL,
  resolved_at timestamptz NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_resolution_ledger_created_at ON resolution_ledger (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_resolution_ledger_agent_ids ON resolution_ledger USING gin (agent_ids);
CREATE INDEX IF NOT EXISTS idx_resolution_ledger_locations ON resolution_ledger USING gin (locations);
`
	_, err := p.db.ExecContext(ctx, q)
	return err
}

// lastHash returns the latest hash from resolution_ledger or empty string if none.
func (p *PGStore) lastHash(ctx context.Context) (string, error) {
	var h sql.NullString
	q := `SELECT hash FROM resolution_ledger ORDER BY created_at DESC LIMIT 1`
	if err := p.db.QueryRowContext(ctx, q).Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

// Append canonicalizes the case payload, computes hash = sha256(canonical ||
// prevHashBytes), and inserts the entry. A duplicate case id maps to
// ErrAlreadyRecorded; the stored row is never touched.
func (p *PGStore) Append(ctx context.Context, e *Entry) error {
	var payload interface{}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	canon, err := canonical.MarshalCanonical(payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}

	prev, err := p.lastHash(ctx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}

	concat := append([]byte(nil), canon...)
	if prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}

	if e.ID == "" {
		e.ID = models.NewUUID()
	}
	e.PrevHash = prev
	e.Hash = HashHex(concat)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	q := `
		INSERT INTO resolution_ledger
		  (id, case_id, outcome, method, confidence, rationale, human_approver,
		   fallback_used, partial_context, agent_ids, locations, payload,
		   prev_hash, hash, resolved_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`
	_, err = p.db.ExecContext(ctx, q,
		e.ID,
		e.CaseID,
		string(e.Outcome),
		string(e.Method),
		e.Confidence,
		e.Rationale,
		e.HumanApprover,
		e.FallbackUsed,
		e.PartialContext,
		pq.Array(e.AgentIDs),
		pq.Array(e.Locations),
		[]byte(e.Payload),
		e.PrevHash,
		e.Hash,
		e.ResolvedAt,
		e.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyRecorded
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

const entryColumns = `id, case_id, outcome, method, confidence, rationale, human_approver,
	fallback_used, partial_context, agent_ids, locations, payload, prev_hash, hash, resolved_at, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e        Entry
		outcome  string
		method   string
		approver sql.NullString
		agents   pq.StringArray
		locs     pq.StringArray
		payload  []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.CaseID,
		&outcome,
		&method,
		&e.Confidence,
		&e.Rationale,
		&approver,
		&e.FallbackUsed,
		&e.PartialContext,
		&agents,
		&locs,
		&payload,
		&e.PrevHash,
		&e.Hash,
		&e.ResolvedAt,
		&e.CreatedAt,
	); err != nil {
		return Entry{}, err
	}
	e.Outcome = models.Outcome(outcome)
	e.Method = models.ResolutionMethod(method)
	if approver.Valid {
		v := approver.String
		e.HumanApprover = &v
	}
	e.AgentIDs = append([]string(nil), agents...)
	e.Locations = append([]string(nil), locs...)
	e.Payload = append(json.RawMessage(nil), payload...)
	return e, nil
}

// GetByCase fetches the entry for a finalized case.
func (p *PGStore) GetByCase(ctx context.Context, caseID string) (*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM resolution_ledger WHERE case_id=$1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, caseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return &e, nil
}

// Query returns matching entries, newest first.
func (p *PGStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM resolution_ledger WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if f.AgentID != "" {
		query += fmt.Sprintf(" AND $%d = ANY(agent_ids)", argPos)
		args = append(args, f.AgentID)
		argPos++
	}
	if f.Location != "" {
		query += fmt.Sprintf(" AND $%d = ANY(locations)", argPos)
		args = append(args, f.Location)
		argPos++
	}
	if f.Outcome != "" {
		query += fmt.Sprintf(" AND outcome = $%d", argPos)
		args = append(args, string(f.Outcome))
		argPos++
	}
	if f.Method != "" {
		query += fmt.Sprintf(" AND method = $%d", argPos)
		args = append(args, string(f.Method))
		argPos++
	}
	if f.From != nil {
		query += fmt.Sprintf(" AND resolved_at >= $%d", argPos)
		args = append(args, *f.From)
		argPos++
	}
	if f.To != nil {
		query += fmt.Sprintf(" AND resolved_at < $%d", argPos)
		args = append(args, *f.To)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// VerifyChain walks the ledger in chronological order and verifies each
// entry's hash equals SHA256(canonical(payload) || prevHashBytes). Returns
// nil on success or an error naming the first broken link.
func VerifyChain(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	q := `SELECT id, case_id, payload, prev_hash, hash FROM resolution_ledger ORDER BY created_at ASC`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("query resolution_ledger: %w", err)
	}
	defer rows.Close()

	index := 0
	for rows.Next() {
		index++
		var (
			id, caseID, hashHex string
			prevHash            sql.NullString
			payloadB            []byte
		)
		if err := rows.Scan(&id, &caseID, &payloadB, &prevHash, &hashHex); err != nil {
			return fmt.Errorf("scan row %d: %w", index, err)
		}

		var payload interface{}
		if err := json.Unmarshal(payloadB, &payload); err != nil {
			return fmt.Errorf("unmarshal payload for entry %s: %w", id, err)
		}
		canon, err := canonical.MarshalCanonical(payload)
		if err != nil {
			return fmt.Errorf("canonicalize payload for entry %s: %w", id, err)
		}

		concat := append([]byte(nil), canon...)
		if prevHash.Valid && prevHash.String != "" {
			prevBytes, err := hex.DecodeString(prevHash.String)
			if err != nil {
				return fmt.Errorf("decode prevHash for entry %s: %w", id, err)
			}
			concat = append(concat, prevBytes...)
		}

		if computed := HashHex(concat); computed != hashHex {
			return fmt.Errorf("hash mismatch for entry %s (case=%s): computed=%s stored=%s", id, caseID, computed, hashHex)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}
	return nil
}
