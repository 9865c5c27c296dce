package taskpool

import "errors"

var (
	ErrExhausted = errors.New("no proxy available")
	ErrNotFound  = errors.New("proxy record not found")
	ErrNotInUse  = errors.New("proxy record is not in use")
	ErrTerminal  = errors.New("proxy record is already used or failed")
	ErrNilFetch  = errors.New("taskpool: fetch function cannot be nil")
)
