package service

import (
	"github.com/studyhall/studybot/internal/clients/gcal"
	"github.com/studyhall/studybot/internal/domain"
)

// Winner says which side of a conflicting event pair survives.
type Winner string

const (
	// WinnerLocal keeps the local version; the next push re-asserts it.
	WinnerLocal Winner = "local"

	// WinnerRemote overwrites local fields from the remote version.
	WinnerRemote Winner = "remote"
)

// ResolveConflict applies last-writer-wins between a local event and the
// remote event it correlates to. The strictly later modification timestamp
// wins; an exact tie keeps local, since local writes are the authoritative
// common path. Remote events without any modification timestamp compare as
// the zero time and always lose.
func ResolveConflict(local *domain.Event, remote *gcal.RemoteEvent) Winner {
	if remote.LastModified().After(local.UpdatedAt) {
		return WinnerRemote
	}
	return WinnerLocal
}
