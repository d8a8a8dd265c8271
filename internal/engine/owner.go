package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/consent"
	"github.com/nidhogg/ember/internal/render"
)

// StimulusResult reports what one state update produced.
type StimulusResult struct {
	Snapshot avatar.Snapshot     `json:"snapshot"`
	Salience float64             `json:"salience"`
	Mark     *avatar.HistoryMark `json:"mark,omitempty"`
	Evicted  *avatar.HistoryMark `json:"evicted,omitempty"`
}

// Stimulate applies delta to ciID's state and feeds the result through the
// history accumulator. Only the owner may call it.
func (e *Engine) Stimulate(ctx context.Context, ciID, token string, d avatar.Delta) (StimulusResult, error) {
	s, err := e.owned(ciID, token)
	if err != nil {
		return StimulusResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.owner.Update(d)
	if err != nil {
		return StimulusResult{}, err
	}
	obs := s.acc.Observe(snap)
	if obs.Mark != nil || obs.Evicted != nil {
		snap = s.owner.SetMarks(s.acc.Marks())
	}

	res := StimulusResult{Snapshot: snap, Salience: obs.Salience, Mark: obs.Mark, Evicted: obs.Evicted}
	if obs.Mark != nil {
		e.logger.Info("history mark committed",
			zap.String("ci", ciID),
			zap.String("mark", obs.Mark.ID),
			zap.String("trigger", obs.Mark.TriggerSummary),
			zap.Float64("salience", obs.Mark.Salience))
	}
	if obs.Discarded != nil {
		e.logger.Debug("history mark below retention floor",
			zap.String("ci", ciID),
			zap.Float64("salience", obs.Discarded.Salience))
	}

	e.persistMarks(ctx, ciID, obs.Mark, obs.Evicted)
	e.persistState(ctx, snap)
	return res, nil
}

// GoIdle moves ciID into ember mode.
func (e *Engine) GoIdle(ctx context.Context, ciID, token string) (avatar.Snapshot, error) {
	s, err := e.owned(ciID, token)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.owner.GoIdle()
	e.persistState(ctx, snap)
	return snap, nil
}

// Wake returns ciID to active mode.
func (e *Engine) Wake(ctx context.Context, ciID, token string) (avatar.Snapshot, error) {
	s, err := e.owned(ciID, token)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.owner.Wake()
	e.persistState(ctx, snap)
	return snap, nil
}

// SetVisibility shows or hides ciID on the owner's behalf.
func (e *Engine) SetVisibility(ctx context.Context, ciID, token string, v avatar.Visibility) (avatar.Snapshot, error) {
	s, err := e.owned(ciID, token)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	return e.setVisibility(ctx, s, v)
}

// SetStyle changes ciID's palette on the owner's behalf.
func (e *Engine) SetStyle(ctx context.Context, ciID, token, style string) (avatar.Snapshot, error) {
	s, err := e.owned(ciID, token)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	return e.setStyle(ctx, s, style)
}

// Prune removes history marks on the owner's behalf.
func (e *Engine) Prune(ctx context.Context, ciID, token string, ids []string) ([]avatar.HistoryMark, error) {
	s, err := e.owned(ciID, token)
	if err != nil {
		return nil, err
	}
	return e.prune(ctx, s, ids)
}

// SetPolicy registers the hook that answers external change requests for
// ciID. A nil policy removes it, which denies everything.
func (e *Engine) SetPolicy(ciID, token string, p consent.Policy) error {
	if _, err := e.owned(ciID, token); err != nil {
		return err
	}
	e.gate.SetPolicy(ciID, p)
	e.logger.Info("consent policy updated", zap.String("ci", ciID), zap.Bool("cleared", p == nil))
	return nil
}

func (e *Engine) setVisibility(ctx context.Context, s *slot, v avatar.Visibility) (avatar.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.owner.SetVisibility(v)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	e.persistState(ctx, snap)
	return snap, nil
}

func (e *Engine) setStyle(ctx context.Context, s *slot, style string) (avatar.Snapshot, error) {
	if style != "" && !render.KnownStyle(style) {
		return avatar.Snapshot{}, avatar.Errorf(avatar.CodeInputRange, "unknown style %q", style).
			WithDetail("styles", render.Styles())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.owner.SetStyle(style)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	e.persistState(ctx, snap)
	return snap, nil
}

func (e *Engine) prune(ctx context.Context, s *slot, ids []string) ([]avatar.HistoryMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, err := s.acc.Prune(ids)
	if err != nil {
		return nil, err
	}
	snap := s.owner.SetMarks(s.acc.Marks())

	if e.store != nil {
		gone := make([]string, len(removed))
		for i, m := range removed {
			gone[i] = m.ID
		}
		if err := e.store.DeleteMarks(ctx, snap.CIID, gone); err != nil {
			e.logger.Warn("failed to delete pruned marks", zap.String("ci", snap.CIID), zap.Error(err))
		}
	}
	e.persistState(ctx, snap)
	e.logger.Info("history marks pruned", zap.String("ci", snap.CIID), zap.Int("count", len(removed)))
	return removed, nil
}

// persistState saves snap. Memory stays authoritative; store failures are
// logged and the next write retries with newer state.
func (e *Engine) persistState(ctx context.Context, snap avatar.Snapshot) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveState(ctx, snap); err != nil {
		e.logger.Warn("failed to persist avatar state",
			zap.String("ci", snap.CIID),
			zap.Uint64("version", snap.Version),
			zap.Error(err))
	}
}

func (e *Engine) persistMarks(ctx context.Context, ciID string, added, evicted *avatar.HistoryMark) {
	if e.store == nil {
		return
	}
	if added != nil {
		if err := e.store.SaveMark(ctx, *added); err != nil {
			e.logger.Warn("failed to persist history mark", zap.String("ci", ciID), zap.Error(err))
		}
	}
	if evicted != nil {
		if err := e.store.DeleteMarks(ctx, ciID, []string{evicted.ID}); err != nil {
			e.logger.Warn("failed to delete evicted mark", zap.String("ci", ciID), zap.Error(err))
		}
	}
}
