package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

const proposalColumns = `proposal_id, session_id, turn_id, tool_name, arguments, state, blocking,
	created_at, resolved_at, deadline, result, failure_reason, failure_message`

// SQLiteStore implements ProposalStore on SQLite so pending approvals can
// outlive a single process.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS proposals (
		proposal_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		state TEXT NOT NULL,
		blocking INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		deadline INTEGER,
		result TEXT,
		failure_reason TEXT,
		failure_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_session ON proposals(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_proposals_pending ON proposals(state) WHERE state = 'pending_human';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new proposal in state proposed.
func (s *SQLiteStore) Create(ctx context.Context, np NewProposal) (string, error) {
	if np.SessionID == "" || np.TurnID == "" || np.ToolName == "" {
		return "", fmt.Errorf("create proposal: session, turn and tool are required")
	}
	args := np.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	id := uuid.NewString()
	query := `
	INSERT INTO proposals (proposal_id, session_id, turn_id, tool_name, arguments, state, blocking, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	err := shared.RetryBusy(ctx, "create proposal", busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			id, np.SessionID, np.TurnID, np.ToolName, string(args),
			string(domain.StateProposed), np.Blocking, s.clock().UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert proposal: %w", err)
	}
	return id, nil
}

// Transition performs a compare-and-swap state change. The WHERE clause on
// the current state makes the update itself the CAS.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to domain.ProposalState, payload Payload) (*domain.Proposal, error) {
	if err := checkEdge(from, to); err != nil {
		return nil, err
	}
	if err := validatePayload(to, payload); err != nil {
		return nil, err
	}

	now := s.clock().UnixNano()

	var result any
	if to == domain.StateCompleted {
		r := payload.Result
		if r == nil {
			r = json.RawMessage("null")
		}
		result = string(r)
	}
	var failureReason, failureMessage any
	if payload.Failure != nil {
		failureReason = payload.Failure.Reason
		failureMessage = payload.Failure.Message
	}
	var deadline any
	if payload.Deadline != nil {
		deadline = payload.Deadline.UnixNano()
	}

	query := `
	UPDATE proposals SET
		state = ?,
		resolved_at = CASE WHEN resolved_at IS NULL AND ? THEN ? ELSE resolved_at END,
		deadline = COALESCE(?, deadline),
		result = COALESCE(?, result),
		failure_reason = COALESCE(?, failure_reason),
		failure_message = COALESCE(?, failure_message)
	WHERE proposal_id = ? AND state = ?
	RETURNING ` + proposalColumns

	var p *domain.Proposal
	err := shared.RetryBusy(ctx, "transition proposal", busyRetries, busyBaseDelay, func() error {
		row := s.db.QueryRowContext(ctx, query,
			string(to), to.IsDecision(), now, deadline, result, failureReason, failureMessage,
			id, string(from),
		)
		var scanErr error
		p, scanErr = scanProposal(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		exists, existsErr := s.exists(ctx, id)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition proposal: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM proposals WHERE proposal_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup proposal: %w", err)
	}
	return true, nil
}

// Get returns a proposal by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE proposal_id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	return p, nil
}

// ListPending returns pending_human proposals of a session in creation order.
func (s *SQLiteStore) ListPending(ctx context.Context, sessionID string) ([]*domain.Proposal, error) {
	return s.list(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE session_id = ? AND state = ? ORDER BY created_at, rowid`,
		sessionID, string(domain.StatePendingHuman))
}

// ListSession returns all proposals of a session in creation order.
func (s *SQLiteStore) ListSession(ctx context.Context, sessionID string) ([]*domain.Proposal, error) {
	return s.list(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*domain.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return out, nil
}

// RecoverInterrupted finalizes proposals whose waiters died with a previous
// process: pending approvals are canceled and in-flight executions failed.
func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) (canceled, failed int64, err error) {
	now := s.clock().UnixNano()

	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET state = ?, failure_reason = ?, failure_message = ?,
			resolved_at = COALESCE(resolved_at, ?)
		WHERE state = ?`,
		string(domain.StateCanceled), domain.ReasonSessionCanceled, "process restarted while awaiting approval",
		now, string(domain.StatePendingHuman))
	if err != nil {
		return 0, 0, fmt.Errorf("cancel interrupted approvals: %w", err)
	}
	if canceled, err = res.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("canceled rows affected: %w", err)
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE proposals SET state = ?, failure_reason = ?, failure_message = ?
		WHERE state = ?`,
		string(domain.StateFailed), domain.ReasonToolError, "process restarted during execution",
		string(domain.StateExecuting))
	if err != nil {
		return canceled, 0, fmt.Errorf("fail interrupted executions: %w", err)
	}
	if failed, err = res.RowsAffected(); err != nil {
		return canceled, 0, fmt.Errorf("failed rows affected: %w", err)
	}
	return canceled, failed, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*domain.Proposal, error) {
	var (
		p              domain.Proposal
		args, state    string
		createdAt      int64
		resolvedAt     sql.NullInt64
		deadline       sql.NullInt64
		result         sql.NullString
		failureReason  sql.NullString
		failureMessage sql.NullString
	)
	if err := row.Scan(
		&p.ID, &p.SessionID, &p.TurnID, &p.ToolName, &args, &state, &p.Blocking,
		&createdAt, &resolvedAt, &deadline, &result, &failureReason, &failureMessage,
	); err != nil {
		return nil, err
	}

	p.Arguments = json.RawMessage(args)
	p.State = domain.ProposalState(state)
	p.CreatedAt = time.Unix(0, createdAt)
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64)
		p.ResolvedAt = &t
	}
	if deadline.Valid {
		t := time.Unix(0, deadline.Int64)
		p.Deadline = &t
	}
	if result.Valid {
		p.Result = json.RawMessage(result.String)
	}
	if failureReason.Valid {
		p.Failure = &domain.FailureReason{Reason: failureReason.String, Message: failureMessage.String}
	}
	return &p, nil
}

var _ ProposalStore = (*SQLiteStore)(nil)
