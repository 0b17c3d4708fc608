package tx

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bizlink/messaging/internal/domain"
)

// Manager is the SQL Transactor. Serialization failures are retried a bounded
// number of times; exhaustion surfaces as a transient storage error.
type Manager struct {
	DB *sql.DB
}

const maxRetries = 5

type commitHooksKey struct{}

// OnCommit schedules fn to run after the surrounding transaction commits.
// Outside a transaction fn runs immediately. Hooks registered by a rolled
// back or retried attempt are discarded with it.
func OnCommit(ctx context.Context, fn func()) {
	if hooks, ok := ctx.Value(commitHooksKey{}).(*[]func()); ok {
		*hooks = append(*hooks, fn)
		return
	}
	fn()
}

func (m *Manager) WithTx(
	ctx context.Context,
	fn func(ctx context.Context, tx *sql.Tx) error,
) error {

	for i := 0; i < maxRetries; i++ {

		tx, err := m.DB.BeginTx(ctx, &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
		})
		if err != nil {
			return fmt.Errorf("%w: begin: %v", domain.ErrTransientStorage, err)
		}

		var hooks []func()
		err = fn(context.WithValue(ctx, commitHooksKey{}, &hooks), tx)
		if err != nil {
			tx.Rollback()
			if isSerializationError(err) {
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isSerializationError(err) {
				continue
			}
			if ctx.Err() != nil {
				// The commit raced the caller's deadline: it may or may not
				// have landed. Never report a plain failure here.
				return fmt.Errorf("%w: commit interrupted: %v", domain.ErrDeliveryAmbiguous, err)
			}
			return fmt.Errorf("%w: commit: %v", domain.ErrTransientStorage, err)
		}

		for _, hook := range hooks {
			hook()
		}
		return nil
	}

	return fmt.Errorf("%w: transaction retry exhausted", domain.ErrTransientStorage)
}

func isSerializationError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "could not serialize")
}
