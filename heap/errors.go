package heap

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("refgc.heap")

// InvariantError reports heap corruption or a broken contract between the
// collector core and its host. It is only ever raised through panic; callers
// are not expected to recover from it.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "refgc: invariant violation: " + e.Msg
}

// Fatalf logs the message at critical level and panics with an
// *InvariantError.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic(&InvariantError{Msg: msg})
}
