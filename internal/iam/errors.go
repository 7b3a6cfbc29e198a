package iam

import "errors"

var (
	ErrNotFound       = errors.New("iam: not found")
	ErrConflict       = errors.New("iam: already exists")
	ErrValidation     = errors.New("iam: invalid input")
	ErrScopeViolation = errors.New("iam: cross-tenant reference")
	ErrSystemRole     = errors.New("iam: system role is read-only")
	ErrRoleInUse      = errors.New("iam: role has assignments")
	ErrInviteNotFound = errors.New("iam: invite not found")
	ErrInviteExpired  = errors.New("iam: invite expired")
)
