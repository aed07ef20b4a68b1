package memory

import "fmt"

// ConstraintError mirrors the unique and check constraints of the SQL schema.
type ConstraintError struct {
	Msg string
}

func (e *ConstraintError) Error() string {
	return e.Msg
}

func errDuplicate(what string) error {
	return &ConstraintError{Msg: fmt.Sprintf("duplicate %s", what)}
}

func errMissing(what string) error {
	return &ConstraintError{Msg: fmt.Sprintf("missing %s", what)}
}

func errConstraint(msg string) error {
	return &ConstraintError{Msg: msg}
}
