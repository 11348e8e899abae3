package oplog

import "fmt"

// ValidationErr is returned synchronously at ingest for operations that are
// structurally malformed. A malformed operation is never appended to the log;
// semantic conflicts, on the other hand, are appended and resolved during
// replay.
type ValidationErr struct {
	dataType string
	msg      string
}

// NewValidationErr ...
func NewValidationErr(dataType string, msg string) ValidationErr {
	return ValidationErr{
		dataType: dataType,
		msg:      msg,
	}
}

// Error ...
func (e ValidationErr) Error() string {
	return fmt.Sprintf("%s, %s", e.dataType, e.msg)
}

// IsValidation checks that an error is a ValidationErr.
func IsValidation(err error) bool {
	_, ok := err.(ValidationErr)
	return ok
}
