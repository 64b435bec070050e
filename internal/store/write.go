package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/ledgerguard/internal/ir"
)

// WriteRecord inserts an idempotency record.
// A live record for the same key is never overwritten. A record that
// expired at or before rec.CreatedAt but was not yet pruned is replaced.
// inserted reports whether this call wrote the row.
func (s *Store) WriteRecord(ctx context.Context, rec ir.IdempotencyRecord) (inserted bool, err error) {
	envelope, err := marshalEnvelope(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("write record: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records
		(client_key, body_hash, command_id, result_ref, envelope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_key) DO UPDATE SET
			body_hash = excluded.body_hash,
			command_id = excluded.command_id,
			result_ref = excluded.result_ref,
			envelope = excluded.envelope,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at > 0
			AND idempotency_records.expires_at <= excluded.created_at
	`,
		rec.ClientKey,
		rec.BodyHash,
		rec.CommandID,
		rec.ResultRef,
		envelope,
		toNanos(rec.CreatedAt),
		toNanos(rec.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("write record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write record: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteExpiredRecords removes records whose expiry is at or before now.
// Records with no expiry are kept.
func (s *Store) DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE expires_at > 0 AND expires_at <= ?
	`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	return res.RowsAffected()
}

// UpsertDirectoryEntry stores the latest reference for a logical ID.
// Last write wins.
func (s *Store) UpsertDirectoryEntry(ctx context.Context, e ir.DirectoryEntry) error {
	observers, err := marshalParties(e.Reference.Observers)
	if err != nil {
		return fmt.Errorf("upsert directory entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO directory_entries
		(logical_id, contract_id, template_id, observers, owner, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(logical_id) DO UPDATE SET
			contract_id = excluded.contract_id,
			template_id = excluded.template_id,
			observers   = excluded.observers,
			owner       = excluded.owner,
			updated_at  = excluded.updated_at
	`,
		e.LogicalID,
		e.Reference.ID,
		e.Reference.TemplateID,
		observers,
		string(e.Owner),
		toNanos(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert directory entry: %w", err)
	}
	return nil
}

// DeleteDirectoryEntry removes a logical ID. Missing IDs are not an error.
func (s *Store) DeleteDirectoryEntry(ctx context.Context, logicalID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM directory_entries WHERE logical_id = ?`, logicalID); err != nil {
		return fmt.Errorf("delete directory entry: %w", err)
	}
	return nil
}

// WriteAttempt appends a command attempt to the audit trail.
// Command IDs are unique per attempt; a repeated ID is ignored.
func (s *Store) WriteAttempt(ctx context.Context, a ir.CommandAttempt) error {
	actAs, err := marshalParties(a.ActAs)
	if err != nil {
		return fmt.Errorf("write attempt: %w", err)
	}
	readAs, err := marshalParties(a.ReadAs)
	if err != nil {
		return fmt.Errorf("write attempt: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO command_attempts
		(command_id, operation, client_key, attempt, act_as, read_as, submitted_at, result, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO NOTHING
	`,
		a.CommandID,
		a.Operation,
		a.ClientKey,
		a.Attempt,
		actAs,
		readAs,
		toNanos(a.SubmittedAt),
		a.Result,
		a.Reason,
	)
	if err != nil {
		return fmt.Errorf("write attempt: %w", err)
	}
	return nil
}
