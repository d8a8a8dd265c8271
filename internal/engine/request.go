package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
)

// Change is an externally requested modification of an avatar.
type Change struct {
	Action  avatar.ConsentAction `json:"action"`
	Style   string               `json:"style,omitempty"`
	MarkIDs []string             `json:"mark_ids,omitempty"`
}

// RequestChange applies a change asked for by someone other than the owner.
// It goes through the consent gate first; a denial returns E_CONSENT and
// leaves the avatar untouched.
func (e *Engine) RequestChange(ctx context.Context, ciID, requesterID string, ch Change) (avatar.Snapshot, error) {
	s, err := e.lookup(ciID)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	switch ch.Action {
	case avatar.ActionSetStyle:
		if ch.Style == "" {
			return avatar.Snapshot{}, avatar.Errorf(avatar.CodeInputNull, "style is required for %s", ch.Action)
		}
	case avatar.ActionPruneMarks:
		if len(ch.MarkIDs) == 0 {
			return avatar.Snapshot{}, avatar.Errorf(avatar.CodeInputNull, "mark ids are required for %s", ch.Action)
		}
	}

	if err := e.gate.Require(ctx, ciID, requesterID, ch.Action); err != nil {
		return avatar.Snapshot{}, err
	}
	e.logger.Info("external change granted",
		zap.String("ci", ciID),
		zap.String("requester", requesterID),
		zap.String("action", string(ch.Action)))

	switch ch.Action {
	case avatar.ActionHide:
		return e.setVisibility(ctx, s, avatar.Hidden)
	case avatar.ActionShow:
		return e.setVisibility(ctx, s, avatar.Visible)
	case avatar.ActionSetStyle:
		return e.setStyle(ctx, s, ch.Style)
	case avatar.ActionPruneMarks:
		if _, err := e.prune(ctx, s, ch.MarkIDs); err != nil {
			return avatar.Snapshot{}, err
		}
		return s.owner.Snapshot(), nil
	}
	// The gate denies unknown actions, so this is unreachable.
	return avatar.Snapshot{}, avatar.Errorf(avatar.CodeProcessing, "unhandled action %q", ch.Action)
}
