package store

import (
	"fmt"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransport, err)
}
