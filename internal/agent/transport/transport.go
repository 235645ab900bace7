// Package transport talks to the survey service. The server API is an
// idempotent upsert surface: replaying a delivery is always safe, so the
// sync engine can retry without coordination.
package transport

import (
	"context"
	"errors"

	"github.com/haztrack/surveysync/internal/agent/models"
)

// Sentinel errors classifying a failed exchange. The sync engine branches
// on these: unavailable retries, the rest route to conflict resolution.
var (
	// ErrUnavailable means the server could not be reached or answered with
	// a server-side failure. Transient; retry with backoff.
	ErrUnavailable = errors.New("server unavailable")

	// ErrRejected means the server understood the request and refused it
	// (validation failure). Permanent; retrying the same payload is useless.
	ErrRejected = errors.New("request rejected by server")

	// ErrConflict means the server holds a newer or incompatible version of
	// the resource.
	ErrConflict = errors.New("version conflict on server")

	// ErrGone means the resource no longer exists on the server.
	ErrGone = errors.New("resource gone on server")

	// ErrUnauthorized means the auth token is missing, expired or revoked.
	ErrUnauthorized = errors.New("not authorized")
)

// Client is the wire surface the sync engine delivers against.
type Client interface {
	// Ping checks reachability; used by the connectivity watcher.
	Ping(ctx context.Context) error

	// UpsertSurvey creates or fully replaces a survey on the server.
	UpsertSurvey(ctx context.Context, s *models.SurveyUpsert) error

	// DeleteSurvey removes a survey. Deleting an absent survey succeeds.
	DeleteSurvey(ctx context.Context, id string) error

	// RegisterPhoto records a photo's metadata and object-store URL against
	// its survey. The blob itself travels through the upload pipeline.
	RegisterPhoto(ctx context.Context, p *models.PhotoRegistration) error

	// DeletePhoto removes a photo record. Absent photos succeed.
	DeletePhoto(ctx context.Context, surveyID, photoID string) error
}
