// Package fatal ends the process when the engine can no longer keep the
// guest isolated.
package fatal

import (
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
)

// Die logs err with its stack and exits through logrus, so a test can
// replace log.StandardLogger().ExitFunc.
func Die(err error) {
	if err == nil {
		return
	}
	var stack string
	var goErr *errors.Error
	if errors.As(err, &goErr) {
		stack = goErr.ErrorStack()
	} else {
		stack = errors.Wrap(err, 1).ErrorStack()
	}
	log.WithFields(log.Fields{"error": err, "stack": stack}).Fatal("Fatal Engine Error")
}

func Check(err error) {
	if err != nil {
		Die(err)
	}
}
