// Package engine wires the per-CI pipeline together: the owner-held state
// tracker, the history accumulator, the consent gate, the visual mapper and
// the renderer registry.
package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/consent"
	"github.com/nidhogg/ember/internal/history"
	"github.com/nidhogg/ember/internal/render"
	"github.com/nidhogg/ember/internal/tracker"
	"github.com/nidhogg/ember/internal/visual"
)

// Store persists avatars across sessions. Both store.Store (PostgreSQL) and
// store.SQLite satisfy it.
type Store interface {
	consent.Ledger
	SaveState(ctx context.Context, snap avatar.Snapshot) error
	LoadState(ctx context.Context, ciID string) (avatar.Snapshot, error)
	ListAvatars(ctx context.Context) ([]string, error)
	SaveMark(ctx context.Context, m avatar.HistoryMark) error
	DeleteMarks(ctx context.Context, ciID string, ids []string) error
	LoadMarks(ctx context.Context, ciID string) ([]avatar.HistoryMark, error)
}

// Config groups the tunables of every pipeline stage.
type Config struct {
	Tracker tracker.Config `json:"tracker"`
	History history.Config `json:"history"`
	Visual  visual.Config  `json:"visual"`
	Render  render.Size    `json:"render"`
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Tracker: tracker.DefaultConfig(),
		History: history.DefaultConfig(),
		Visual:  visual.DefaultConfig(),
		Render:  render.DefaultSize,
	}
}

// slot is everything the engine holds for one registered CI.
type slot struct {
	owner *tracker.Owner
	acc   *history.Accumulator
	token string
	mu    sync.Mutex // serialises the update → observe → publish pipeline
}

// Engine manages the avatars of every registered CI.
type Engine struct {
	avatars   map[string]*slot
	cfg       Config
	store     Store
	gate      *consent.Gate
	mapper    *visual.Mapper
	renderers *render.Registry
	mu        sync.RWMutex
	logger    *zap.Logger
}

// New creates an engine. st may be nil, in which case state lives only in
// memory and consent records go to an in-memory ledger.
func New(cfg Config, st Store, logger *zap.Logger) *Engine {
	var ledger consent.Ledger = consent.NewMemoryLedger()
	if st != nil {
		ledger = st
	}
	return &Engine{
		avatars:   make(map[string]*slot),
		cfg:       cfg,
		store:     st,
		gate:      consent.NewGate(ledger, logger),
		mapper:    visual.NewMapper(cfg.Visual),
		renderers: render.NewDefaultRegistry(cfg.Render),
		logger:    logger,
	}
}

// Renderers exposes the registry so callers can add capabilities.
func (e *Engine) Renderers() *render.Registry { return e.renderers }

// Register creates the avatar for ciID and returns the owner token that
// authorises direct mutation. Persisted state and marks are restored when a
// store is configured. Registering an id twice fails with E_CONFLICT.
// Tokens are held in memory only; each process start issues new ones.
func (e *Engine) Register(ctx context.Context, ciID string) (string, error) {
	owner, err := tracker.New(ciID, e.cfg.Tracker, e.logger)
	if err != nil {
		return "", err
	}
	if _, ok := e.get(ciID); ok {
		return "", avatar.Errorf(avatar.CodeConflict, "avatar %s already registered", ciID)
	}

	s := &slot{
		owner: owner,
		acc:   history.New(e.cfg.History),
		token: uuid.NewString(),
	}
	if err := e.restore(ctx, s); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.avatars[ciID]; dup {
		return "", avatar.Errorf(avatar.CodeConflict, "avatar %s already registered", ciID)
	}
	e.avatars[ciID] = s
	e.logger.Info("registered avatar",
		zap.String("ci", ciID),
		zap.Int("marks", s.acc.Len()))
	return s.token, nil
}

// restore loads persisted state into a fresh slot, or persists the initial
// state if the CI is new.
func (e *Engine) restore(ctx context.Context, s *slot) error {
	if e.store == nil {
		return nil
	}
	ciID := s.owner.CIID()

	snap, err := e.store.LoadState(ctx, ciID)
	if errors.Is(err, avatar.ErrNotFound) {
		if err := e.store.SaveState(ctx, s.owner.Snapshot()); err != nil {
			return avatar.Wrap(avatar.CodeProcessing, err, "persist new avatar")
		}
		return nil
	}
	if err != nil {
		return avatar.Wrap(avatar.CodeProcessing, err, "restore avatar")
	}

	marks, err := e.store.LoadMarks(ctx, ciID)
	if err != nil {
		return avatar.Wrap(avatar.CodeProcessing, err, "restore marks")
	}
	evicted := s.acc.Restore(marks)
	if len(evicted) > 0 {
		ids := make([]string, len(evicted))
		for i, m := range evicted {
			ids[i] = m.ID
		}
		if err := e.store.DeleteMarks(ctx, ciID, ids); err != nil {
			e.logger.Warn("failed to drop evicted marks", zap.String("ci", ciID), zap.Error(err))
		}
	}
	snap.Marks = s.acc.Marks()
	s.owner.Restore(snap)
	e.logger.Info("restored avatar",
		zap.String("ci", ciID),
		zap.Uint64("version", snap.Version),
		zap.Int("marks", len(snap.Marks)),
		zap.Int("evicted", len(evicted)))
	return nil
}

func (e *Engine) get(ciID string) (*slot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.avatars[ciID]
	return s, ok
}

func (e *Engine) lookup(ciID string) (*slot, error) {
	if ciID == "" {
		return nil, avatar.Errorf(avatar.CodeInputNull, "ci id is required")
	}
	s, ok := e.get(ciID)
	if !ok {
		return nil, avatar.Errorf(avatar.CodeNotFound, "avatar %s", ciID)
	}
	return s, nil
}

// owned returns the slot for ciID if token is its owner token.
func (e *Engine) owned(ciID, token string) (*slot, error) {
	s, err := e.lookup(ciID)
	if err != nil {
		return nil, err
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return nil, avatar.Errorf(avatar.CodeNotOwner, "caller does not own avatar %s", ciID)
	}
	return s, nil
}

// Snapshot returns the latest published state of ciID.
func (e *Engine) Snapshot(ciID string) (avatar.Snapshot, error) {
	s, err := e.lookup(ciID)
	if err != nil {
		return avatar.Snapshot{}, err
	}
	return s.owner.Snapshot(), nil
}

// Reader returns the read-only view of ciID.
func (e *Engine) Reader(ciID string) (tracker.Reader, error) {
	s, err := e.lookup(ciID)
	if err != nil {
		return nil, err
	}
	return s.owner.Reader(), nil
}

// Readers returns read-only views of every registered avatar, ordered by id.
func (e *Engine) Readers() []tracker.Reader {
	e.mu.RLock()
	out := make([]tracker.Reader, 0, len(e.avatars))
	for _, s := range e.avatars {
		out = append(out, s.owner.Reader())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CIID() < out[j].CIID() })
	return out
}

// List returns a snapshot of every registered avatar, ordered by id.
func (e *Engine) List() []avatar.Snapshot {
	readers := e.Readers()
	out := make([]avatar.Snapshot, len(readers))
	for i, r := range readers {
		out[i] = r.Snapshot()
	}
	return out
}

// Marks returns the retained history marks of ciID, oldest first.
func (e *Engine) Marks(ciID string) ([]avatar.HistoryMark, error) {
	s, err := e.lookup(ciID)
	if err != nil {
		return nil, err
	}
	return s.acc.Marks(), nil
}

// ConsentLog returns the newest consent records for ciID.
func (e *Engine) ConsentLog(ctx context.Context, ciID string, limit int) ([]avatar.ConsentRecord, error) {
	if _, err := e.lookup(ciID); err != nil {
		return nil, err
	}
	recs, err := e.gate.Records(ctx, ciID, limit)
	if err != nil {
		return nil, avatar.Wrap(avatar.CodeProcessing, err, "read consent ledger")
	}
	return recs, nil
}

// Params derives the visual parameters of ciID's current snapshot.
func (e *Engine) Params(ciID string, seed uint64) (visual.Params, error) {
	s, err := e.lookup(ciID)
	if err != nil {
		return visual.Params{}, err
	}
	return e.derive(s.owner.Snapshot(), seed), nil
}

// ParamsFor derives parameters from an already captured snapshot.
func (e *Engine) ParamsFor(snap avatar.Snapshot, seed uint64) visual.Params {
	return e.derive(snap, seed)
}

func (e *Engine) derive(snap avatar.Snapshot, seed uint64) visual.Params {
	return e.mapper.Derive(snap, snap.Marks, seed)
}

// Render produces a frame of ciID for the given capability.
func (e *Engine) Render(ctx context.Context, ciID string, c render.Capability, seed uint64) (render.Frame, error) {
	p, err := e.Params(ciID, seed)
	if err != nil {
		return render.Frame{}, err
	}
	return e.RenderParams(ctx, c, p)
}

// RenderParams renders already derived parameters.
func (e *Engine) RenderParams(ctx context.Context, c render.Capability, p visual.Params) (render.Frame, error) {
	f, err := e.renderers.Render(ctx, c, p)
	if err != nil {
		if avatar.CodeOf(err) != "" {
			return render.Frame{}, err
		}
		return render.Frame{}, avatar.Wrap(avatar.CodeProcessing, err, "render")
	}
	return f, nil
}
