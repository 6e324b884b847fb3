// Package audit persists an append-only trail of gateway decisions.
// Records are immutable once written; argument payloads are stored as
// salted hashes, never as raw values.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one audited gateway request.
type Record struct {
	RequestID      string          `json:"request_id"`
	Tenant         string          `json:"tenant"`
	UserIDHash     string          `json:"user_id_hash"`
	Tool           string          `json:"tool"`
	ArgsHash       string          `json:"args_hash"`
	ArgKeys        []string        `json:"arg_keys,omitempty"`
	Allowed        bool            `json:"allowed"`
	ReasonCode     string          `json:"reason_code"`
	FailedPolicy   string          `json:"failed_policy,omitempty"`
	HealingApplied bool            `json:"healing_applied"`
	HealingHistory json.RawMessage `json:"healing_history,omitempty"`
	Masked         bool            `json:"masked"`
	LatencyMS      int64           `json:"latency_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Sink accepts completed audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Writer appends records to Postgres. When Redact is set, identity and
// argument fields are hashed with HashSalt before the insert.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_log
		(request_id, tenant, user_id_hash, tool, args_hash, arg_keys, allowed, reason_code, failed_policy, healing_applied, healing_history, masked, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, rec.RequestID, rec.Tenant, rec.UserIDHash, rec.Tool, rec.ArgsHash, rec.ArgKeys, rec.Allowed, rec.ReasonCode, rec.FailedPolicy, rec.HealingApplied, rec.HealingHistory, rec.Masked, rec.LatencyMS, rec.CreatedAt)
	return err
}

// Get fetches one record scoped to a tenant. An empty tenant looks the
// record up globally, for operator tooling only.
func (w *Writer) Get(ctx context.Context, requestID, tenant string) (Record, error) {
	const cols = `request_id, tenant, user_id_hash, tool, args_hash, arg_keys, allowed, reason_code, failed_policy, healing_applied, healing_history, masked, latency_ms, created_at`
	var row pgx.Row
	if tenant != "" {
		row = w.DB.QueryRow(ctx, `SELECT `+cols+` FROM audit_log WHERE tenant=$1 AND request_id=$2`, tenant, requestID)
	} else {
		row = w.DB.QueryRow(ctx, `SELECT `+cols+` FROM audit_log WHERE request_id=$1`, requestID)
	}
	var rec Record
	var history json.RawMessage
	if err := row.Scan(&rec.RequestID, &rec.Tenant, &rec.UserIDHash, &rec.Tool, &rec.ArgsHash, &rec.ArgKeys, &rec.Allowed, &rec.ReasonCode, &rec.FailedPolicy, &rec.HealingApplied, &history, &rec.Masked, &rec.LatencyMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.HealingHistory = history
	return rec, nil
}
