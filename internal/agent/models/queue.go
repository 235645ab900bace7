package models

import (
	"encoding/json"
	"time"
)

// ItemKind distinguishes what a queue item targets.
type ItemKind string

const (
	ItemKindSurvey ItemKind = "survey"
	ItemKindPhoto  ItemKind = "photo"
)

// ItemOp is the mutation carried by a queue item.
type ItemOp string

const (
	ItemOpCreate ItemOp = "create"
	ItemOpUpdate ItemOp = "update"
	ItemOpDelete ItemOp = "delete"
)

// ItemState tracks a queue item through processing. Succeeded items are
// deleted rather than stored; failed is terminal and operator-visible.
type ItemState string

const (
	ItemStatePending  ItemState = "pending"
	ItemStateInflight ItemState = "inflight"
	ItemStateFailed   ItemState = "failed"
)

// QueueItem is one durable pending mutation. Items targeting the same
// resource are delivered strictly in creation order.
type QueueItem struct {
	// ID is a client-generated unique identifier.
	ID string

	// Kind and Op describe the mutation.
	Kind ItemKind
	Op   ItemOp

	// ResourceID is the survey or photo the item targets.
	ResourceID string

	// Payload is the serialized snapshot taken at enqueue time. Empty for
	// deletes and for photo items, whose bytes live in the photos table.
	Payload json.RawMessage

	// CreatedAt orders items within a resource.
	CreatedAt time.Time

	// RetryCount is the number of failed delivery attempts so far.
	RetryCount int

	// NextAttemptAt is the earliest time the item may be processed again.
	NextAttemptAt time.Time

	// LastError is the most recent delivery error, if any.
	LastError string

	// State is pending, inflight or failed.
	State ItemState
}

// PhotoRef is the payload of photo queue items: the blob and metadata live
// in the photos table, so the item only needs the addressing pair.
type PhotoRef struct {
	ID       string `json:"id"`
	SurveyID string `json:"survey_id"`
}
