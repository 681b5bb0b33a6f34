package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"github.com/jackc/pgx/v5/pgconn"
)

// integrityConstraintClass is the SQLSTATE class of integrity constraint violations.
const integrityConstraintClass = "23"

// classify maps a driver error onto the store error taxonomy.
// Context errors are kept as-is so callers can tell cancellation from failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrStoreUnavailable) || errors.Is(err, model.ErrStoreConstraintViolation) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, integrityConstraintClass) {
		return fmt.Errorf("%w: %w", model.ErrStoreConstraintViolation, err)
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}
