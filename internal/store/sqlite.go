package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store. Use ":memory:" for
// an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Wallet read-modify-writes rely on a single writer.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id               TEXT PRIMARY KEY,
		created_at       DATETIME NOT NULL,
		tool             TEXT NOT NULL,
		args             TEXT,
		context          TEXT,
		agent_id         TEXT,
		session_id       TEXT,
		user_id          TEXT,
		channel          TEXT,
		trace_id         TEXT,
		conversation_id  TEXT,
		turn_id          TEXT,
		decision         TEXT NOT NULL,
		risk_score       INTEGER NOT NULL DEFAULT 0,
		explanation      TEXT,
		policy_ids       TEXT,
		chain_pattern    TEXT,
		execution_trace  TEXT
	);

	CREATE TABLE IF NOT EXISTS policies (
		policy_id    TEXT PRIMARY KEY,
		description  TEXT,
		severity     INTEGER NOT NULL DEFAULT 0,
		tool         TEXT,
		url_regex    TEXT,
		args_regex   TEXT,
		condition    TEXT,
		action       TEXT NOT NULL,
		is_active    INTEGER NOT NULL DEFAULT 1,
		version      INTEGER NOT NULL DEFAULT 1,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_versions (
		policy_id    TEXT NOT NULL,
		version      INTEGER NOT NULL,
		content      TEXT NOT NULL,
		actor        TEXT,
		note         TEXT,
		created_at   DATETIME NOT NULL,
		PRIMARY KEY (policy_id, version)
	);

	CREATE TABLE IF NOT EXISTS policy_audit (
		id           TEXT PRIMARY KEY,
		policy_id    TEXT NOT NULL,
		operation    TEXT NOT NULL,
		actor        TEXT,
		note         TEXT,
		version      INTEGER NOT NULL,
		created_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS spans (
		span_id        TEXT PRIMARY KEY,
		trace_id       TEXT NOT NULL,
		parent_span_id TEXT,
		kind           TEXT NOT NULL,
		name           TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'ok',
		started_at     DATETIME NOT NULL,
		ended_at       DATETIME,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		attributes     TEXT,
		input          TEXT,
		output         TEXT,
		events         TEXT
	);

	CREATE TABLE IF NOT EXISTS verifications (
		id            TEXT PRIMARY KEY,
		action_id     TEXT NOT NULL,
		tool          TEXT NOT NULL,
		agent_id      TEXT,
		session_id    TEXT,
		result        TEXT,
		verdict       TEXT NOT NULL,
		risk_delta    INTEGER NOT NULL DEFAULT 0,
		findings      TEXT,
		drift_score   REAL NOT NULL DEFAULT 0,
		drift_signals TEXT,
		escalated     INTEGER NOT NULL DEFAULT 0,
		escalation_id TEXT,
		created_at    DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS escalations (
		id              TEXT PRIMARY KEY,
		trigger_kind    TEXT NOT NULL,
		severity        TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		action_id       TEXT,
		agent_id        TEXT,
		tool            TEXT,
		decision        TEXT,
		risk_score      INTEGER NOT NULL DEFAULT 0,
		reason          TEXT,
		resolved_by     TEXT,
		resolution_note TEXT,
		created_at      DATETIME NOT NULL,
		resolved_at     DATETIME
	);

	CREATE TABLE IF NOT EXISTS receipts (
		receipt_id    TEXT PRIMARY KEY,
		created_at    DATETIME NOT NULL,
		tool          TEXT NOT NULL,
		decision      TEXT NOT NULL,
		risk_score    INTEGER NOT NULL DEFAULT 0,
		policy_ids    TEXT,
		chain_pattern TEXT,
		agent_id      TEXT,
		digest        TEXT NOT NULL,
		fee           TEXT
	);

	CREATE TABLE IF NOT EXISTS wallets (
		wallet_id       TEXT PRIMARY KEY,
		label           TEXT,
		balance         TEXT NOT NULL,
		total_deposited TEXT NOT NULL,
		total_fees_paid TEXT NOT NULL,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		label        TEXT,
		target       TEXT NOT NULL,
		secret       TEXT,
		events       TEXT NOT NULL DEFAULT '*',
		is_active    INTEGER NOT NULL DEFAULT 1,
		error_count  INTEGER NOT NULL DEFAULT 0,
		last_sent_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS runtime_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_agent ON actions(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id);
	CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at);
	CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);
	CREATE INDEX IF NOT EXISTS idx_verifications_action ON verifications(action_id);
	CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
	CREATE INDEX IF NOT EXISTS idx_receipts_agent ON receipts(agent_id);
	CREATE INDEX IF NOT EXISTS idx_policy_versions ON policy_versions(policy_id, version);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Actions ---

func (s *SQLiteStore) InsertAction(a *ActionRecord) error {
	_, err := s.db.Exec(`INSERT INTO actions (id, created_at, tool, args, context, agent_id, session_id,
		user_id, channel, trace_id, conversation_id, turn_id, decision, risk_score, explanation,
		policy_ids, chain_pattern, execution_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CreatedAt, a.Tool, nullable(string(a.Args)), nullable(string(a.Context)),
		a.AgentID, a.SessionID, a.UserID, a.Channel, a.TraceID, a.ConversationID, a.TurnID,
		string(a.Decision), a.RiskScore, a.Explanation, a.PolicyIDs, a.ChainPattern,
		nullable(string(a.ExecutionTrace)))
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAction(id string) (*ActionRecord, error) {
	row := s.db.QueryRow(actionSelect+` WHERE id = ?`, id)
	return scanAction(row)
}

func (s *SQLiteStore) ListActions(f ActionFilter) ([]*ActionRecord, error) {
	var conds []string
	var args []interface{}

	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Decision != "" {
		conds = append(conds, "decision = ?")
		args = append(args, string(f.Decision))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until)
	}

	q := actionSelect
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	return s.queryActions(q, args...)
}

// RecentActions returns the newest entries across all agents, newest first.
// Used by the auto-kill-switch window check.
func (s *SQLiteStore) RecentActions(limit int) ([]*ActionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryActions(actionSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
}

// AgentActions returns entries for one agent (optionally one session) since
// the given time, newest first, capped at limit.
func (s *SQLiteStore) AgentActions(agentID, sessionID string, since time.Time, limit int) ([]*ActionRecord, error) {
	q := actionSelect + ` WHERE agent_id = ? AND created_at >= ?`
	args := []interface{}{agentID, since}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryActions(q, args...)
}

func (s *SQLiteStore) AgentActionsInRange(agentID string, from, to time.Time) ([]*ActionRecord, error) {
	return s.queryActions(actionSelect+` WHERE agent_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`, agentID, from, to)
}

const actionSelect = `SELECT id, created_at, tool, args, context, agent_id, session_id, user_id,
	channel, trace_id, conversation_id, turn_id, decision, risk_score, explanation, policy_ids,
	chain_pattern, execution_trace FROM actions`

func (s *SQLiteStore) queryActions(q string, args ...interface{}) ([]*ActionRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*ActionRecord, error) {
	var a ActionRecord
	var args, ctx, execTrace, agentID, sessionID, userID, channel, traceID, convID, turnID sql.NullString
	var explanation, policyIDs, chainPattern sql.NullString
	var decision string

	err := row.Scan(&a.ID, &a.CreatedAt, &a.Tool, &args, &ctx, &agentID, &sessionID, &userID,
		&channel, &traceID, &convID, &turnID, &decision, &a.RiskScore, &explanation, &policyIDs,
		&chainPattern, &execTrace)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan action: %w", err)
	}

	a.Args = rawOrNil(args)
	a.Context = rawOrNil(ctx)
	a.ExecutionTrace = rawOrNil(execTrace)
	a.AgentID = agentID.String
	a.SessionID = sessionID.String
	a.UserID = userID.String
	a.Channel = channel.String
	a.TraceID = traceID.String
	a.ConversationID = convID.String
	a.TurnID = turnID.String
	a.Decision = Decision(decision)
	a.Explanation = explanation.String
	a.PolicyIDs = policyIDs.String
	a.ChainPattern = chainPattern.String
	return &a, nil
}

// --- Policies ---

func (s *SQLiteStore) InsertPolicy(p *PolicyRecord) error {
	_, err := s.db.Exec(`INSERT INTO policies (policy_id, description, severity, tool, url_regex,
		args_regex, condition, action, is_active, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PolicyID, p.Description, p.Severity, p.Tool, p.URLRegex, p.ArgsRegex, p.Condition,
		string(p.Action), boolToInt(p.IsActive), p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("policy %s: %w", p.PolicyID, ErrConflict)
		}
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePolicy(p *PolicyRecord) error {
	res, err := s.db.Exec(`UPDATE policies SET description = ?, severity = ?, tool = ?,
		url_regex = ?, args_regex = ?, condition = ?, action = ?, is_active = ?, version = ?,
		updated_at = ? WHERE policy_id = ?`,
		p.Description, p.Severity, p.Tool, p.URLRegex, p.ArgsRegex, p.Condition,
		string(p.Action), boolToInt(p.IsActive), p.Version, p.UpdatedAt, p.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("policy %s: %w", p.PolicyID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetPolicy(policyID string) (*PolicyRecord, error) {
	row := s.db.QueryRow(policySelect+` WHERE policy_id = ?`, policyID)
	return scanPolicy(row)
}

func (s *SQLiteStore) ListPolicies(includeArchived bool) ([]*PolicyRecord, error) {
	q := policySelect
	if !includeArchived {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY policy_id`
	return s.queryPolicies(q)
}

func (s *SQLiteStore) ActivePolicies() ([]*PolicyRecord, error) {
	return s.queryPolicies(policySelect + ` WHERE is_active = 1 ORDER BY policy_id`)
}

const policySelect = `SELECT policy_id, description, severity, tool, url_regex, args_regex,
	condition, action, is_active, version, created_at, updated_at FROM policies`

func (s *SQLiteStore) queryPolicies(q string, args ...interface{}) ([]*PolicyRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PolicyRecord
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row rowScanner) (*PolicyRecord, error) {
	var p PolicyRecord
	var desc, tool, urlRegex, argsRegex, condition sql.NullString
	var action string
	var active int

	err := row.Scan(&p.PolicyID, &desc, &p.Severity, &tool, &urlRegex, &argsRegex, &condition,
		&action, &active, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}

	p.Description = desc.String
	p.Tool = tool.String
	p.URLRegex = urlRegex.String
	p.ArgsRegex = argsRegex.String
	p.Condition = condition.String
	p.Action = Decision(action)
	p.IsActive = active != 0
	return &p, nil
}

func (s *SQLiteStore) InsertPolicyVersion(v *PolicyVersion) error {
	_, err := s.db.Exec(`INSERT INTO policy_versions (policy_id, version, content, actor, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.PolicyID, v.Version, string(v.Content), v.Actor, v.Note, v.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("policy version %s@%d: %w", v.PolicyID, v.Version, ErrConflict)
		}
		return fmt.Errorf("failed to insert policy version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPolicyVersion(policyID string, version int) (*PolicyVersion, error) {
	row := s.db.QueryRow(`SELECT policy_id, version, content, actor, note, created_at
		FROM policy_versions WHERE policy_id = ? AND version = ?`, policyID, version)
	return scanPolicyVersion(row)
}

func (s *SQLiteStore) ListPolicyVersions(policyID string) ([]*PolicyVersion, error) {
	rows, err := s.db.Query(`SELECT policy_id, version, content, actor, note, created_at
		FROM policy_versions WHERE policy_id = ? ORDER BY version`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PolicyVersion
	for rows.Next() {
		v, err := scanPolicyVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanPolicyVersion(row rowScanner) (*PolicyVersion, error) {
	var v PolicyVersion
	var content string
	var actor, note sql.NullString
	err := row.Scan(&v.PolicyID, &v.Version, &content, &actor, &note, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan policy version: %w", err)
	}
	v.Content = []byte(content)
	v.Actor = actor.String
	v.Note = note.String
	return &v, nil
}

func (s *SQLiteStore) MaxPolicyVersion(policyID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM policy_versions WHERE policy_id = ?`, policyID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max policy version: %w", err)
	}
	return int(max.Int64), nil
}

func (s *SQLiteStore) InsertPolicyAudit(e *PolicyAuditEntry) error {
	_, err := s.db.Exec(`INSERT INTO policy_audit (id, policy_id, operation, actor, note, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PolicyID, e.Operation, e.Actor, e.Note, e.Version, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert policy audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPolicyAudit(policyID string) ([]*PolicyAuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, policy_id, operation, actor, note, version, created_at
		FROM policy_audit WHERE policy_id = ? ORDER BY created_at`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PolicyAuditEntry
	for rows.Next() {
		var e PolicyAuditEntry
		var actor, note sql.NullString
		if err := rows.Scan(&e.ID, &e.PolicyID, &e.Operation, &actor, &note, &e.Version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy audit entry: %w", err)
		}
		e.Actor = actor.String
		e.Note = note.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Spans ---

// InsertSpans ingests spans idempotently: a span_id that already exists is
// silently skipped and counted.
func (s *SQLiteStore) InsertSpans(spans []*Span) (int, int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin span insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, skipped := 0, 0
	for _, sp := range spans {
		res, err := tx.Exec(`INSERT OR IGNORE INTO spans (span_id, trace_id, parent_span_id, kind,
			name, status, started_at, ended_at, duration_ms, attributes, input, output, events)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.SpanID, sp.TraceID, sp.ParentSpanID, string(sp.Kind), sp.Name, sp.Status,
			sp.StartedAt, sp.EndedAt, sp.DurationMs, nullable(string(sp.Attributes)),
			nullable(string(sp.Input)), nullable(string(sp.Output)), nullable(string(sp.Events)))
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert span %s: %w", sp.SpanID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			skipped++
		} else {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit span insert: %w", err)
	}
	return inserted, skipped, nil
}

func (s *SQLiteStore) GetSpan(spanID string) (*Span, error) {
	row := s.db.QueryRow(spanSelect+` WHERE span_id = ?`, spanID)
	return scanSpan(row)
}

func (s *SQLiteStore) ListSpans(traceID string) ([]*Span, error) {
	rows, err := s.db.Query(spanSelect+` WHERE trace_id = ? ORDER BY started_at`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Span
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTrace(traceID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM spans WHERE trace_id = ?`, traceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete trace %s: %w", traceID, err)
	}
	return res.RowsAffected()
}

const spanSelect = `SELECT span_id, trace_id, parent_span_id, kind, name, status, started_at,
	ended_at, duration_ms, attributes, input, output, events FROM spans`

func scanSpan(row rowScanner) (*Span, error) {
	var sp Span
	var parent, attrs, input, output, events sql.NullString
	var kind string
	var endedAt sql.NullTime

	err := row.Scan(&sp.SpanID, &sp.TraceID, &parent, &kind, &sp.Name, &sp.Status,
		&sp.StartedAt, &endedAt, &sp.DurationMs, &attrs, &input, &output, &events)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan span: %w", err)
	}

	sp.ParentSpanID = parent.String
	sp.Kind = SpanKind(kind)
	if endedAt.Valid {
		t := endedAt.Time
		sp.EndedAt = &t
	}
	sp.Attributes = rawOrNil(attrs)
	sp.Input = rawOrNil(input)
	sp.Output = rawOrNil(output)
	sp.Events = rawOrNil(events)
	return &sp, nil
}

// --- Verifications ---

func (s *SQLiteStore) InsertVerification(v *VerificationRecord) error {
	_, err := s.db.Exec(`INSERT INTO verifications (id, action_id, tool, agent_id, session_id,
		result, verdict, risk_delta, findings, drift_score, drift_signals, escalated,
		escalation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ActionID, v.Tool, v.AgentID, v.SessionID, nullable(string(v.Result)),
		v.Verdict, v.RiskDelta, nullable(string(v.Findings)), v.DriftScore,
		nullable(string(v.DriftSignals)), boolToInt(v.Escalated), v.EscalationID, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert verification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVerifications(actionID string) ([]*VerificationRecord, error) {
	rows, err := s.db.Query(`SELECT id, action_id, tool, agent_id, session_id, result, verdict,
		risk_delta, findings, drift_score, drift_signals, escalated, escalation_id, created_at
		FROM verifications WHERE action_id = ? ORDER BY created_at`, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*VerificationRecord
	for rows.Next() {
		var v VerificationRecord
		var agentID, sessionID, result, findings, driftSignals, escalationID sql.NullString
		var escalated int
		err := rows.Scan(&v.ID, &v.ActionID, &v.Tool, &agentID, &sessionID, &result, &v.Verdict,
			&v.RiskDelta, &findings, &v.DriftScore, &driftSignals, &escalated, &escalationID, &v.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		v.AgentID = agentID.String
		v.SessionID = sessionID.String
		v.Result = rawOrNil(result)
		v.Findings = rawOrNil(findings)
		v.DriftSignals = rawOrNil(driftSignals)
		v.Escalated = escalated != 0
		v.EscalationID = escalationID.String
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- Escalations ---

func (s *SQLiteStore) InsertEscalation(e *EscalationEvent) error {
	_, err := s.db.Exec(`INSERT INTO escalations (id, trigger_kind, severity, status, action_id,
		agent_id, tool, decision, risk_score, reason, resolved_by, resolution_note, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Trigger, e.Severity, e.Status, e.ActionID, e.AgentID, e.Tool, string(e.Decision),
		e.RiskScore, e.Reason, e.ResolvedBy, e.ResolutionNote, e.CreatedAt, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEscalation(id string) (*EscalationEvent, error) {
	row := s.db.QueryRow(escalationSelect+` WHERE id = ?`, id)
	return scanEscalation(row)
}

func (s *SQLiteStore) ListEscalations(status string, limit int) ([]*EscalationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := escalationSelect
	args := []interface{}{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EscalationEvent
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveEscalation transitions a pending escalation into a terminal status.
// Resolving an already-resolved escalation is a conflict.
func (s *SQLiteStore) ResolveEscalation(id, status, resolvedBy, note string) error {
	res, err := s.db.Exec(`UPDATE escalations SET status = ?, resolved_by = ?, resolution_note = ?,
		resolved_at = ? WHERE id = ? AND status = ?`,
		status, resolvedBy, note, time.Now().UTC(), id, EscalationPending)
	if err != nil {
		return fmt.Errorf("failed to resolve escalation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetEscalation(id); err != nil {
			return err
		}
		return fmt.Errorf("escalation %s is not pending: %w", id, ErrConflict)
	}
	return nil
}

const escalationSelect = `SELECT id, trigger_kind, severity, status, action_id, agent_id, tool,
	decision, risk_score, reason, resolved_by, resolution_note, created_at, resolved_at FROM escalations`

func scanEscalation(row rowScanner) (*EscalationEvent, error) {
	var e EscalationEvent
	var actionID, agentID, tool, decision, reason, resolvedBy, note sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&e.ID, &e.Trigger, &e.Severity, &e.Status, &actionID, &agentID, &tool,
		&decision, &e.RiskScore, &reason, &resolvedBy, &note, &e.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}

	e.ActionID = actionID.String
	e.AgentID = agentID.String
	e.Tool = tool.String
	e.Decision = Decision(decision.String)
	e.Reason = reason.String
	e.ResolvedBy = resolvedBy.String
	e.ResolutionNote = note.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

// --- Receipts ---

func (s *SQLiteStore) InsertReceipt(r *Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (receipt_id, created_at, tool, decision, risk_score,
		policy_ids, chain_pattern, agent_id, digest, fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.CreatedAt, r.Tool, string(r.Decision), r.RiskScore, r.PolicyIDs,
		r.ChainPattern, r.AgentID, r.Digest, r.Fee)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipt(receiptID string) (*Receipt, error) {
	row := s.db.QueryRow(receiptSelect+` WHERE receipt_id = ?`, receiptID)
	return scanReceipt(row)
}

func (s *SQLiteStore) ListReceipts(agentID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	q := receiptSelect
	args := []interface{}{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const receiptSelect = `SELECT receipt_id, created_at, tool, decision, risk_score, policy_ids,
	chain_pattern, agent_id, digest, fee FROM receipts`

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	var policyIDs, chainPattern, agentID, fee sql.NullString
	var decision string

	err := row.Scan(&r.ReceiptID, &r.CreatedAt, &r.Tool, &decision, &r.RiskScore, &policyIDs,
		&chainPattern, &agentID, &r.Digest, &fee)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan receipt: %w", err)
	}

	r.Decision = Decision(decision)
	r.PolicyIDs = policyIDs.String
	r.ChainPattern = chainPattern.String
	r.AgentID = agentID.String
	r.Fee = fee.String
	return &r, nil
}

// --- Wallets ---

func (s *SQLiteStore) CreateWallet(w *Wallet) error {
	_, err := s.db.Exec(`INSERT INTO wallets (wallet_id, label, balance, total_deposited,
		total_fees_paid, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.WalletID, w.Label, w.Balance, w.TotalDeposited, w.TotalFeesPaid, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("wallet %s: %w", w.WalletID, ErrConflict)
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWallet(walletID string) (*Wallet, error) {
	row := s.db.QueryRow(walletSelect+` WHERE wallet_id = ?`, walletID)
	return scanWallet(row)
}

func (s *SQLiteStore) ListWallets() ([]*Wallet, error) {
	rows, err := s.db.Query(walletSelect + ` ORDER BY wallet_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DebitWallet subtracts amount from balance and adds it to total_fees_paid
// within one transaction, so concurrent evaluations for the same agent
// cannot lose updates.
func (s *SQLiteStore) DebitWallet(walletID, amount string) error {
	return s.mutateWallet(walletID, func(w *Wallet) error {
		fee, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("bad fee amount %q: %w", amount, err)
		}
		balance, err := decimal.NewFromString(w.Balance)
		if err != nil {
			return fmt.Errorf("corrupt balance for wallet %s: %w", walletID, err)
		}
		paid, err := decimal.NewFromString(w.TotalFeesPaid)
		if err != nil {
			return fmt.Errorf("corrupt total_fees_paid for wallet %s: %w", walletID, err)
		}
		w.Balance = balance.Sub(fee).StringFixed(4)
		w.TotalFeesPaid = paid.Add(fee).StringFixed(4)
		return nil
	})
}

// CreditWallet adds amount to balance and total_deposited (a top-up).
func (s *SQLiteStore) CreditWallet(walletID, amount string) error {
	return s.mutateWallet(walletID, func(w *Wallet) error {
		topup, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("bad top-up amount %q: %w", amount, err)
		}
		balance, err := decimal.NewFromString(w.Balance)
		if err != nil {
			return fmt.Errorf("corrupt balance for wallet %s: %w", walletID, err)
		}
		deposited, err := decimal.NewFromString(w.TotalDeposited)
		if err != nil {
			return fmt.Errorf("corrupt total_deposited for wallet %s: %w", walletID, err)
		}
		w.Balance = balance.Add(topup).StringFixed(4)
		w.TotalDeposited = deposited.Add(topup).StringFixed(4)
		return nil
	})
}

func (s *SQLiteStore) mutateWallet(walletID string, mutate func(*Wallet) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin wallet mutation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(walletSelect+` WHERE wallet_id = ?`, walletID)
	w, err := scanWallet(row)
	if err != nil {
		return err
	}

	if err := mutate(w); err != nil {
		return err
	}

	_, err = tx.Exec(`UPDATE wallets SET balance = ?, total_deposited = ?, total_fees_paid = ?,
		updated_at = ? WHERE wallet_id = ?`,
		w.Balance, w.TotalDeposited, w.TotalFeesPaid, time.Now().UTC(), walletID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return tx.Commit()
}

const walletSelect = `SELECT wallet_id, label, balance, total_deposited, total_fees_paid,
	created_at, updated_at FROM wallets`

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	var label sql.NullString
	err := row.Scan(&w.WalletID, &label, &w.Balance, &w.TotalDeposited, &w.TotalFeesPaid,
		&w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	w.Label = label.String
	return &w, nil
}

// --- Channels ---

func (s *SQLiteStore) UpsertChannel(c *Channel) error {
	_, err := s.db.Exec(`INSERT INTO channels (id, kind, label, target, secret, events, is_active,
		error_count, last_sent_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, label = excluded.label,
		target = excluded.target, secret = excluded.secret, events = excluded.events,
		is_active = excluded.is_active`,
		c.ID, c.Kind, c.Label, c.Target, c.Secret, c.Events, boolToInt(c.IsActive),
		c.ErrorCount, c.LastSentAt)
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActiveChannels() ([]*Channel, error) {
	rows, err := s.db.Query(`SELECT id, kind, label, target, secret, events, is_active,
		error_count, last_sent_at FROM channels WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Channel
	for rows.Next() {
		var c Channel
		var label, secret sql.NullString
		var active int
		var lastSent sql.NullTime
		err := rows.Scan(&c.ID, &c.Kind, &label, &c.Target, &secret, &c.Events, &active,
			&c.ErrorCount, &lastSent)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		c.Label = label.String
		c.Secret = secret.String
		c.IsActive = active != 0
		if lastSent.Valid {
			t := lastSent.Time
			c.LastSentAt = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// RecordChannelResult bumps last_sent_at and, on failure, the error counter.
func (s *SQLiteStore) RecordChannelResult(id string, ok bool) error {
	q := `UPDATE channels SET last_sent_at = ? WHERE id = ?`
	if !ok {
		q = `UPDATE channels SET last_sent_at = ?, error_count = error_count + 1 WHERE id = ?`
	}
	if _, err := s.db.Exec(q, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to record channel result: %w", err)
	}
	return nil
}

// --- Runtime state ---

func (s *SQLiteStore) GetState(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM runtime_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read runtime state %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetState(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO runtime_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write runtime state %q: %w", key, err)
	}
	return nil
}

// --- helpers ---

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
