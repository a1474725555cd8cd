package partition

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// newLogger builds the per-root structured logger, grounded on
// rclone-rclone and gravwell-gravwell's use of sirupsen/logrus for
// operational logging. Every entry carries a "partition" field naming the
// root so multi-partition processes can tell which heap logged.
func newLogger(name string) *logrus.Entry {
	l := logrus.New()
	return l.WithField("partition", name)
}

// fault reports an integrity violation and aborts the process, per §7:
// "User-visible failures are uniformly ... immediate crash (fail-fast, no
// unwinding) for integrity violations." Every kind is logged at Error level
// and then raised as a panic carrying an *IntegrityError; unrecovered, the
// panic ends the process, and a recover() in a test can observe which
// invariant failed.
func (r *Root) fault(kind string, args logrus.Fields, format string, a ...interface{}) {
	fields := logrus.Fields{"kind": kind}
	for k, v := range args {
		fields[k] = v
	}
	r.log.WithFields(fields).Errorf(format, a...)
	panic(&IntegrityError{Kind: kind, Root: r.name, Message: fmt.Sprintf(format, a...)})
}

// IntegrityError is the panic value raised by fault(). It is not meant to
// be recovered in production — the process should be restarted — but tests
// recover it to assert which invariant (§7's taxonomy) was violated.
type IntegrityError struct {
	Kind    string
	Root    string
	Message string
}

func (e *IntegrityError) Error() string {
	return "partition: " + e.Kind + ": " + e.Message
}
