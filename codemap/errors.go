package codemap

import (
	"fmt"

	"github.com/go-errors/errors"
)

var (
	ErrNoRegion          = errors.New("no code region at address")
	ErrAlreadyTranslated = errors.New("code region already has translated code")
)

// CapacityError means the guest fragmented its executable mappings beyond
// the table capacity. It is not recoverable.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("too many code regions (max %d)", e.Max)
}

func wrap(err error) error {
	if err != nil {
		return errors.Wrap(err, 1)
	}
	return nil
}
