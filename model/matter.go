package model

import "regexp"

// matterIDPattern restricts matter identifiers to the shape the row-level
// security policies in the relational store expect: a UUID or a short
// alphanumeric slug. Anything else cannot have been issued by the matter
// service and is rejected before it ever reaches a query.
var matterIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// MatterID identifies the top-level tenancy unit. Every row in the job
// engine is scoped by one.
type MatterID string

// Valid reports whether the identifier has an acceptable shape. It does not
// check that the matter exists or that the caller is a member; that is the
// relational store's job.
func (m MatterID) Valid() bool {
	return matterIDPattern.MatchString(string(m))
}

func (m MatterID) String() string {
	return string(m)
}
