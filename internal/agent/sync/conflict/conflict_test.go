package conflict

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/haztrack/surveysync/internal/agent/transport"
)

func TestResolve(t *testing.T) {
	snapshot := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		cause      error
		modifiedAt time.Time
		want       Decision
	}{
		{
			name:       "gone and unmodified since snapshot discards local",
			cause:      transport.ErrGone,
			modifiedAt: snapshot,
			want:       DiscardLocal,
		},
		{
			name:       "gone but edited after snapshot keeps local work",
			cause:      fmt.Errorf("delivering: %w", transport.ErrGone),
			modifiedAt: snapshot.Add(time.Minute),
			want:       KeepLocalAsNewDraft,
		},
		{
			name:       "version conflict needs a human",
			cause:      transport.ErrConflict,
			modifiedAt: snapshot,
			want:       RequiresManualReview,
		},
		{
			name:       "rejection needs a human",
			cause:      transport.ErrRejected,
			modifiedAt: snapshot,
			want:       RequiresManualReview,
		},
		{
			name:       "unclassified error needs a human",
			cause:      errors.New("weird"),
			modifiedAt: snapshot,
			want:       RequiresManualReview,
		},
	}

	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.cause, tt.modifiedAt, snapshot)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "discard_local", DiscardLocal.String())
	assert.Equal(t, "keep_local_as_new_draft", KeepLocalAsNewDraft.String())
	assert.Equal(t, "requires_manual_review", RequiresManualReview.String())
}
