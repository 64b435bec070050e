package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ledgerguard/internal/ir"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ir.IdempotencyRecord, error) {
	var rec ir.IdempotencyRecord
	var envelope []byte
	var createdAt, expiresAt int64
	if err := row.Scan(&rec.ClientKey, &rec.BodyHash, &rec.CommandID, &rec.ResultRef, &envelope, &createdAt, &expiresAt); err != nil {
		return ir.IdempotencyRecord{}, err
	}
	payload, err := unmarshalEnvelope(envelope)
	if err != nil {
		return ir.IdempotencyRecord{}, err
	}
	rec.Payload = payload
	rec.CreatedAt = fromNanos(createdAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	return rec, nil
}

// ReadRecord returns the record for a client key.
// found is false when no row exists; expiry is the caller's concern.
func (s *Store) ReadRecord(ctx context.Context, key string) (rec ir.IdempotencyRecord, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_key, body_hash, command_id, result_ref, envelope, created_at, expires_at
		FROM idempotency_records
		WHERE client_key = ?
	`, key)

	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ir.IdempotencyRecord{}, false, fmt.Errorf("read record %s: %w", key, err)
	}
	return rec, true, nil
}

// ListRecords returns up to limit records, oldest first.
// A non-positive limit returns all records.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]ir.IdempotencyRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_key, body_hash, command_id, result_ref, envelope, created_at, expires_at
		FROM idempotency_records
		ORDER BY created_at ASC, client_key ASC COLLATE BINARY
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []ir.IdempotencyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

// ReadDirectoryEntries returns every persisted entry ordered by logical ID.
func (s *Store) ReadDirectoryEntries(ctx context.Context) ([]ir.DirectoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logical_id, contract_id, template_id, observers, owner, updated_at
		FROM directory_entries
		ORDER BY logical_id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("read directory entries: %w", err)
	}
	defer rows.Close()

	var out []ir.DirectoryEntry
	for rows.Next() {
		var e ir.DirectoryEntry
		var observers, owner string
		var updatedAt int64
		if err := rows.Scan(&e.LogicalID, &e.Reference.ID, &e.Reference.TemplateID, &observers, &owner, &updatedAt); err != nil {
			return nil, fmt.Errorf("read directory entries: %w", err)
		}
		if e.Reference.Observers, err = unmarshalParties(observers); err != nil {
			return nil, fmt.Errorf("read directory entries: %w", err)
		}
		e.Owner = ir.Party(owner)
		e.UpdatedAt = fromNanos(updatedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read directory entries: %w", err)
	}
	return out, nil
}

// ReadAttempts returns the attempts recorded for a client key in attempt
// order. An empty key returns every attempt.
func (s *Store) ReadAttempts(ctx context.Context, clientKey string) ([]ir.CommandAttempt, error) {
	query := `
		SELECT command_id, operation, client_key, attempt, act_as, read_as, submitted_at, result, reason
		FROM command_attempts`
	var args []any
	if clientKey != "" {
		query += ` WHERE client_key = ?`
		args = append(args, clientKey)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read attempts: %w", err)
	}
	defer rows.Close()

	var out []ir.CommandAttempt
	for rows.Next() {
		var a ir.CommandAttempt
		var actAs, readAs string
		var submittedAt int64
		if err := rows.Scan(&a.CommandID, &a.Operation, &a.ClientKey, &a.Attempt, &actAs, &readAs, &submittedAt, &a.Result, &a.Reason); err != nil {
			return nil, fmt.Errorf("read attempts: %w", err)
		}
		if a.ActAs, err = unmarshalParties(actAs); err != nil {
			return nil, fmt.Errorf("read attempts: %w", err)
		}
		if a.ReadAs, err = unmarshalParties(readAs); err != nil {
			return nil, fmt.Errorf("read attempts: %w", err)
		}
		a.SubmittedAt = fromNanos(submittedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read attempts: %w", err)
	}
	return out, nil
}
