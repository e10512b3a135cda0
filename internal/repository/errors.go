package repository

import "errors"

// Sentinel errors returned by repository methods. Callers compare with errors.Is.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrEmailExists      = errors.New("email already exists")
	ErrMobileExists     = errors.New("mobile already exists")
	ErrPolicyNotFound   = errors.New("inactivity policy not found")
	ErrCaseNotFound     = errors.New("inactivity case not found")
	ErrVersionConflict  = errors.New("inactivity case was modified concurrently")
	ErrAttemptNotFound  = errors.New("check-in attempt not found")
	ErrEntryNotFound    = errors.New("ledger entry not found")
	ErrNomineeNotFound  = errors.New("nominee not found")
	ErrAssetNotFound    = errors.New("asset not found")
	ErrAssetRefExists   = errors.New("asset reference already exists")
	ErrReleaseNotFound  = errors.New("release not found")
	ErrUnknownAssetLink = errors.New("nominee references an unknown asset")
)
