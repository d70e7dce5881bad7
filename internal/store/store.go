// Package store provides the typed persistence layer for evidence, control
// runs, and trust envelopes. Every write commits in a single statement;
// partial failure surfaces as an error with nothing half-committed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/meridian/internal/db"
	"github.com/example/meridian/internal/envelope"
)

var (
	// ErrUnavailable is returned when the database cannot be reached.
	ErrUnavailable = errors.New("store: database unavailable")

	// ErrConstraint is returned on schema mismatches and constraint
	// violations.
	ErrConstraint = errors.New("store: constraint violation")
)

// Store wraps the database with the agent's read and write operations.
type Store struct {
	db *db.DB
}

// New creates a Store over an open connection pool.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// classify wraps a database error with the matching sentinel.
func classify(op string, err error) error {
	if db.IsConstraintViolation(err) {
		return fmt.Errorf("%w: %s: %v", ErrConstraint, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// =============================================================================
// Evidence
// =============================================================================

// InsertEvidence stores one signed evidence row with its Merkle metadata and
// returns the generated UUID.
func (s *Store) InsertEvidence(
	ctx context.Context,
	controlID, checkName string,
	rawData map[string]any,
	signature string,
	merkleLeafHash string,
	merkleIndex int,
) (string, error) {
	payload, err := json.Marshal(rawData)
	if err != nil {
		return "", fmt.Errorf("store: encode evidence payload: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO evidence
		    (control_id, check_name, raw_data, signature, merkle_leaf_hash, merkle_index)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		controlID, checkName, payload, signature, merkleLeafHash, merkleIndex,
	).Scan(&id)
	if err != nil {
		return "", classify("insert evidence", err)
	}
	return id, nil
}

// EvidenceLeafHashes returns every persisted Merkle leaf hash ordered by
// merkle_index ascending, for log reconstruction at startup.
func (s *Store) EvidenceLeafHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT merkle_leaf_hash
		FROM   evidence
		WHERE  merkle_leaf_hash IS NOT NULL
		ORDER BY merkle_index ASC`)
	if err != nil {
		return nil, classify("load leaf hashes", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, classify("scan leaf hash", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate leaf hashes", err)
	}
	return hashes, nil
}

// =============================================================================
// Control Runs
// =============================================================================

// InsertRun records one control execution. Ticket fields are nullable; an
// empty string persists as NULL.
func (s *Store) InsertRun(
	ctx context.Context,
	controlID, status, evidenceID string,
	summary map[string]any,
	ticketNumber, ticketSysID string,
) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("store: encode run summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO control_runs
		    (control_id, status, evidence_id, summary, ticket_number, ticket_sys_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		controlID, status, evidenceID, payload,
		nullable(ticketNumber), nullable(ticketSysID),
	)
	if err != nil {
		return classify("insert run", err)
	}
	return nil
}

// LastTicket returns the most recent non-null ticket number for a control,
// or "" when the control has never ticketed.
func (s *Store) LastTicket(ctx context.Context, controlID string) (string, error) {
	var number string
	err := s.db.QueryRowContext(ctx, `
		SELECT ticket_number
		FROM   control_runs
		WHERE  control_id = $1
		  AND  ticket_number IS NOT NULL
		ORDER BY run_at DESC
		LIMIT 1`,
		controlID,
	).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify("last ticket", err)
	}
	return number, nil
}

// LastTicketSysID returns the most recent non-null ticket sys_id for a
// control, or "" when absent.
func (s *Store) LastTicketSysID(ctx context.Context, controlID string) (string, error) {
	var sysID string
	err := s.db.QueryRowContext(ctx, `
		SELECT ticket_sys_id
		FROM   control_runs
		WHERE  control_id = $1
		  AND  ticket_sys_id IS NOT NULL
		ORDER BY run_at DESC
		LIMIT 1`,
		controlID,
	).Scan(&sysID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify("last ticket sys_id", err)
	}
	return sysID, nil
}

// =============================================================================
// Trust Envelopes
// =============================================================================

// EnvelopeRow is one persisted trust envelope as read back for the
// dashboard, with the full document parsed from JSON.
type EnvelopeRow struct {
	EnvelopeID          string         `json:"envelope_id"`
	ControlID           string         `json:"control_id"`
	ProductID           string         `json:"product_id"`
	CreatedAt           time.Time      `json:"created_at"`
	TrustLevel          string         `json:"trust_level"`
	CompositeConfidence float64        `json:"composite_confidence"`
	MerkleRoot          *string        `json:"merkle_root"`
	EnvelopeData        map[string]any `json:"envelope_data"`
	Signature           string         `json:"signature"`
}

// InsertTrustEnvelope persists a signed envelope and returns its row UUID.
func (s *Store) InsertTrustEnvelope(ctx context.Context, env *envelope.TrustEnvelope) (string, error) {
	doc, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("store: encode envelope: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO trust_envelopes
		    (envelope_id, control_id, product_id, trust_level,
		     composite_confidence, merkle_root, envelope_data, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		env.EnvelopeID, env.ControlID, env.ProductID, string(env.TrustLevel),
		env.CompositeConfidence, env.EvidenceSummary.MerkleRoot, doc, env.Signature,
	).Scan(&id)
	if err != nil {
		return "", classify("insert envelope", err)
	}
	return id, nil
}

// TrustEnvelopes returns the newest limit envelopes, newest first. This is
// the sole read path used by the dashboard.
func (s *Store) TrustEnvelopes(ctx context.Context, limit int) ([]EnvelopeRow, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_id, control_id, product_id, created_at,
		       trust_level, composite_confidence, merkle_root,
		       envelope_data, signature
		FROM   trust_envelopes
		ORDER BY created_at DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, classify("load envelopes", err)
	}
	defer rows.Close()

	var out []EnvelopeRow
	for rows.Next() {
		var (
			row EnvelopeRow
			doc []byte
		)
		if err := rows.Scan(
			&row.EnvelopeID, &row.ControlID, &row.ProductID, &row.CreatedAt,
			&row.TrustLevel, &row.CompositeConfidence, &row.MerkleRoot,
			&doc, &row.Signature,
		); err != nil {
			return nil, classify("scan envelope", err)
		}
		if err := json.Unmarshal(doc, &row.EnvelopeData); err != nil {
			return nil, fmt.Errorf("store: decode envelope %s: %w", row.EnvelopeID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate envelopes", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
