package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"opsync/internal/models"
	"opsync/internal/worker"
)

const operationColumns = `id, seq, kind, owner_key, record_id, payload, attempt, next_attempt_at, last_error, created_at`

// OperationStore persists the operation queue in SQLite.
type OperationStore struct {
	db *DB
}

var _ worker.Store = (*OperationStore)(nil)

func NewOperationStore(db *DB) *OperationStore {
	return &OperationStore{db: db}
}

func (s *OperationStore) Append(ctx context.Context, op *models.Operation) error {
	query := `INSERT INTO operations (` + operationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		op.ID,
		op.Seq,
		op.Kind,
		op.OwnerKey,
		op.RecordID,
		[]byte(op.Payload),
		op.Attempt,
		op.NextAttemptAt,
		op.LastError,
		op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}
	return nil
}

func (s *OperationStore) Head(ctx context.Context, ownerKey string) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE owner_key = ? ORDER BY seq ASC LIMIT 1`
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, ownerKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, worker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get head operation: %w", err)
	}
	return op, nil
}

func (s *OperationStore) Load(ctx context.Context) ([]*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *OperationStore) Update(ctx context.Context, op *models.Operation) error {
	query := `UPDATE operations SET attempt = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, op.Attempt, op.NextAttemptAt, op.LastError, op.ID); err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	return nil
}

func (s *OperationStore) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM operations WHERE id IN (` + placeholders + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to remove operations: %w", err)
	}
	return nil
}

func (s *OperationStore) RemoveOwner(ctx context.Context, ownerKey string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE owner_key = ?`, ownerKey)
	if err != nil {
		return 0, fmt.Errorf("failed to remove owner operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed operations: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op          models.Operation
		payload     []byte
		nextAttempt sql.NullTime
	)
	err := row.Scan(
		&op.ID, &op.Seq, &op.Kind, &op.OwnerKey, &op.RecordID, &payload,
		&op.Attempt, &nextAttempt, &op.LastError, &op.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		op.Payload = payload
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		op.NextAttemptAt = &t
	}
	return &op, nil
}
