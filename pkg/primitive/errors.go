package primitive

import "errors"

var (
	// ErrInvalidArgument rejects an operation whose arguments violate a
	// structural rule, such as recreating an ephemeral member.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound reports a reference to an entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmptyGroup reports a dispatch against a group with no members.
	ErrEmptyGroup = errors.New("empty group")
)
