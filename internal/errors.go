package ccflare

import "errors"

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrNoAccounts        = errors.New("no available accounts")
	ErrAllAccountsFailed = errors.New("all upstream attempts failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrAuthRefresh       = errors.New("oauth token refresh failed")
	ErrLastAdminKey      = errors.New("cannot remove the last active admin key")
)
