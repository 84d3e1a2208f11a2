// Package postgres persists invocation records.
//
// The store's only non-obvious operation is Complete: a conditional UPDATE
// guarded on "completed IS NULL" so that the first writer wins and every
// later completion attempt is reported as domain.ErrAlreadyCompleted.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/outboundlabs/triggerd/internal/domain"
	"github.com/outboundlabs/triggerd/internal/tracker"
)

// Store implements tracker.Store using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store. opTimeout bounds every database operation; zero
// disables the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Insert persists a freshly started invocation.
func (s *Store) Insert(ctx context.Context, inv domain.InvocationStatus) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertInvocation,
		inv.ID,
		string(inv.TenantID),
		string(inv.TriggerID),
		string(inv.Type),
		inv.SubscriptionID,
		inv.SubscriptionName,
		string(inv.Secret),
		nullBytes(inv.Start.Input),
		inv.Start.RawContent,
		inv.Created,
	)
	return err
}

// Get returns the invocation for a tenant and id, or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID domain.TenantID, id string) (domain.InvocationStatus, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetInvocation, string(tenantID), id)
	return scanInvocation(row)
}

// GetByID returns the invocation by id alone. The callback endpoint uses it
// because external subscribers present only the id and the secret.
func (s *Store) GetByID(ctx context.Context, id string) (domain.InvocationStatus, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetInvocationByID, id)
	return scanInvocation(row)
}

// ListByTenant returns a tenant's invocations, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID domain.TenantID, limit, offset int) ([]domain.InvocationStatus, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListByTenant, string(tenantID), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvocations(rows)
}

// ListByTrigger returns a tenant's invocations for one trigger, newest first.
func (s *Store) ListByTrigger(ctx context.Context, tenantID domain.TenantID, triggerID domain.TriggerID, limit, offset int) ([]domain.InvocationStatus, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListByTrigger, string(tenantID), string(triggerID), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvocations(rows)
}

// Complete writes the terminal result iff the invocation is still open.
// Returns domain.ErrAlreadyCompleted if another writer got there first and
// domain.ErrNotFound if no such invocation exists.
func (s *Store) Complete(ctx context.Context, tenantID domain.TenantID, id string, completedAt time.Time, completion domain.CompletionInput) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryCompleteInvocation,
		string(tenantID),
		id,
		completedAt,
		nullBytes(completion.Output),
		nullString(completion.Error),
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	// Either the row does not exist or it is already completed.
	var completed bool
	err = s.db.QueryRowContext(ctx, queryGetCompleted, string(tenantID), id).Scan(&completed)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if completed {
		return domain.ErrAlreadyCompleted
	}
	// Row exists and is open but the guarded update matched nothing; a
	// concurrent writer completed it between the two statements.
	return domain.ErrAlreadyCompleted
}

// ListExpired returns open invocations created at or before the cutoff,
// oldest first.
func (s *Store) ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]domain.InvocationStatus, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListExpired, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvocations(rows)
}

// PurgeCompleted deletes completed records older than the cutoff and returns
// the number removed. Records are transient audit state, not a system of
// record.
func (s *Store) PurgeCompleted(ctx context.Context, completedBefore time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPurgeCompleted, completedBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (domain.InvocationStatus, error) {
	var (
		inv        domain.InvocationStatus
		tenantID   string
		triggerID  string
		invType    string
		secret     string
		input      []byte
		rawContent sql.NullString
		output     []byte
		errMsg     sql.NullString
		completed  sql.NullTime
	)

	err := row.Scan(
		&inv.ID,
		&tenantID,
		&triggerID,
		&invType,
		&inv.SubscriptionID,
		&inv.SubscriptionName,
		&secret,
		&input,
		&rawContent,
		&output,
		&errMsg,
		&inv.Created,
		&completed,
	)
	if err == sql.ErrNoRows {
		return domain.InvocationStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.InvocationStatus{}, err
	}

	inv.TenantID = domain.TenantID(tenantID)
	inv.TriggerID = domain.TriggerID(triggerID)
	inv.Type = domain.InvocationType(invType)
	inv.Secret = domain.Secret(secret)
	inv.Start = domain.StartInput{
		TriggerID:  inv.TriggerID,
		Input:      input,
		RawContent: rawContent.String,
	}
	if completed.Valid {
		t := completed.Time
		inv.Completed = &t
		inv.Completion = &domain.CompletionInput{
			Output: output,
			Error:  errMsg.String,
		}
	}
	return inv, nil
}

func scanInvocations(rows *sql.Rows) ([]domain.InvocationStatus, error) {
	var result []domain.InvocationStatus
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time interface assertion
var _ tracker.Store = (*Store)(nil)
