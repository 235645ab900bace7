// Package conflict decides what happens to local data when the server
// refuses a delivery for a reason retrying cannot fix.
package conflict

import (
	"errors"
	"time"

	"github.com/haztrack/surveysync/internal/agent/transport"
)

// Decision is the resolver's verdict on a non-retryable delivery failure.
type Decision int

const (
	// DiscardLocal drops the local copy and its queued mutations; the
	// server's view wins.
	DiscardLocal Decision = iota

	// KeepLocalAsNewDraft re-creates the local copy under a fresh identity
	// so field work is never silently lost.
	KeepLocalAsNewDraft

	// RequiresManualReview parks the item in the failed state and surfaces
	// it to the operator.
	RequiresManualReview
)

func (d Decision) String() string {
	switch d {
	case DiscardLocal:
		return "discard_local"
	case KeepLocalAsNewDraft:
		return "keep_local_as_new_draft"
	case RequiresManualReview:
		return "requires_manual_review"
	default:
		return "unknown"
	}
}

// Resolver maps delivery failures to decisions. Policy: last-writer-wins
// is already enforced by the server's idempotent upsert, so the only
// conflicts that reach us are structural (resource gone, version fence,
// outright rejection).
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve classifies the failure. localModifiedAt is the local record's
// last modification; snapshotAt is when the failed payload was enqueued.
// A record edited after its snapshot carries work the failed payload does
// not, which biases the verdict towards keeping it.
func (r *Resolver) Resolve(cause error, localModifiedAt, snapshotAt time.Time) Decision {
	switch {
	case errors.Is(cause, transport.ErrGone):
		// The server dropped the resource (another device deleted it, or
		// retention purged it). Unmodified local copies follow; copies with
		// newer edits survive as a fresh draft.
		if localModifiedAt.After(snapshotAt) {
			return KeepLocalAsNewDraft
		}
		return DiscardLocal
	case errors.Is(cause, transport.ErrConflict):
		// The server holds a version this client has not seen. Auto-merging
		// form payloads risks destroying field data, so a human decides.
		return RequiresManualReview
	default:
		// Rejections and anything unclassified park for review.
		return RequiresManualReview
	}
}
