// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity's current state does not permit the
// requested change. The caller must re-fetch and retry.
var ErrConflict = errors.New("conflict: state does not permit this change")

// ErrValidation indicates a malformed request that was rejected before
// any state was persisted.
var ErrValidation = errors.New("validation failed")

// ErrForbidden indicates the caller is not the owner of the entity it is
// trying to mutate.
var ErrForbidden = errors.New("forbidden")
