package tx

import (
	"context"
	"database/sql"
)

// Transactor runs fn inside one atomic unit. Implementations guarantee the
// mutations in fn become visible fully-before or fully-after any reader.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
}
