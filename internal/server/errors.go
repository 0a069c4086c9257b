package server

import (
	"errors"

	"github.com/gamedock/gamedock/internal/auth"
	"github.com/gamedock/gamedock/internal/catalog"
	"github.com/gamedock/gamedock/internal/launcher"
	"github.com/gamedock/gamedock/internal/lobby"
	"github.com/gamedock/gamedock/internal/protocol"
	"github.com/gamedock/gamedock/internal/review"
	"github.com/gamedock/gamedock/internal/store"
)

// errValidation wraps handler-level payload validation failures.
var errValidation = errors.New("invalid request")

// codeOf maps a domain error to its wire code. Anything unmapped is an
// internal error and must not leak its message to the client.
func codeOf(err error) int {
	switch {
	case errors.Is(err, auth.ErrUserExists),
		errors.Is(err, catalog.ErrVersionTaken),
		errors.Is(err, store.ErrVersionExists):
		return protocol.CodeConflict

	case errors.Is(err, catalog.ErrGameNotFound),
		errors.Is(err, store.ErrPackageNotFound),
		errors.Is(err, lobby.ErrRoomNotFound),
		errors.Is(err, review.ErrReviewNotFound),
		errors.Is(err, launcher.ErrUnknownMatch):
		return protocol.CodeNotFound

	case errors.Is(err, errValidation),
		errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, auth.ErrDuplicateLogin),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrRoleMismatch),
		errors.Is(err, catalog.ErrInvalidVersion),
		errors.Is(err, store.ErrInvalidPackage),
		errors.Is(err, store.ErrUnknownUpload),
		errors.Is(err, store.ErrUnknownDownload),
		errors.Is(err, store.ErrOutOfOrder),
		errors.Is(err, lobby.ErrRoomFull),
		errors.Is(err, lobby.ErrAlreadyInRoom),
		errors.Is(err, lobby.ErrNotInRoom),
		errors.Is(err, lobby.ErrNotHost),
		errors.Is(err, lobby.ErrNotAllReady),
		errors.Is(err, lobby.ErrBadState),
		errors.Is(err, review.ErrNotEligible),
		errors.Is(err, review.ErrBadScore),
		errors.Is(err, launcher.ErrStartTimeout),
		errors.Is(err, launcher.ErrUnknownStatus):
		return protocol.CodeAuth

	default:
		return protocol.CodeInternal
	}
}

// safeInternal reports whether an internal-class error carries a message the
// client is meant to see.
func safeInternal(err error) bool {
	return errors.Is(err, launcher.ErrNoPort)
}
