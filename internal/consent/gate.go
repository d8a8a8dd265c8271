package consent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/ember/internal/avatar"
	"go.uber.org/zap"
)

// Ledger is the append-only consent audit trail.
type Ledger interface {
	AppendConsent(ctx context.Context, rec avatar.ConsentRecord) error
	ListConsent(ctx context.Context, ciID string, limit int) ([]avatar.ConsentRecord, error)
}

// Gate stands between external actors and an avatar. Every call to
// Authorize leaves exactly one record, granted or not.
type Gate struct {
	ledger   Ledger
	policies map[string]Policy // ciID -> hook
	mu       sync.RWMutex
	now      func() time.Time
	logger   *zap.Logger
}

// NewGate creates a gate writing to ledger.
func NewGate(ledger Ledger, logger *zap.Logger) *Gate {
	return &Gate{
		ledger:   ledger,
		policies: make(map[string]Policy),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// SetPolicy installs ciID's consent hook. Callers must have already proven
// they act for ciID; the gate does not authenticate.
func (g *Gate) SetPolicy(ciID string, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p == nil {
		delete(g.policies, ciID)
		return
	}
	g.policies[ciID] = p
}

// Authorize asks ciID's policy whether requesterID may perform action.
// It fails closed: a missing policy, an abstention, a panicking hook, an
// unknown action or a failed audit write all deny.
func (g *Gate) Authorize(ctx context.Context, ciID, requesterID string, action avatar.ConsentAction) bool {
	granted, _ := g.decide(ctx, ciID, requesterID, action)
	return granted
}

// Require is Authorize returning E_CONSENT on denial.
func (g *Gate) Require(ctx context.Context, ciID, requesterID string, action avatar.ConsentAction) error {
	granted, reason := g.decide(ctx, ciID, requesterID, action)
	if granted {
		return nil
	}
	return avatar.Errorf(avatar.CodeConsent, "%s may not %s %s: %s", requesterID, action, ciID, reason).
		WithDetail("requester_id", requesterID).
		WithDetail("action", string(action))
}

// Records returns the most recent audit records for ciID.
func (g *Gate) Records(ctx context.Context, ciID string, limit int) ([]avatar.ConsentRecord, error) {
	return g.ledger.ListConsent(ctx, ciID, limit)
}

func (g *Gate) decide(ctx context.Context, ciID, requesterID string, action avatar.ConsentAction) (bool, string) {
	req := Request{CIID: ciID, RequesterID: requesterID, Action: action, At: g.now()}

	var verdict Verdict
	var reason string
	switch {
	case ciID == "" || requesterID == "":
		reason = "missing identity"
	case !action.Valid():
		reason = fmt.Sprintf("unknown action %q", action)
	default:
		g.mu.RLock()
		p, ok := g.policies[ciID]
		g.mu.RUnlock()
		if !ok {
			reason = "no consent policy"
			break
		}
		verdict, reason = g.ask(ctx, p, req)
	}
	granted := verdict == Grant

	rec := avatar.ConsentRecord{
		ID:          uuid.NewString(),
		CIID:        ciID,
		RequesterID: requesterID,
		Action:      action,
		Granted:     granted,
		Reason:      reason,
		Timestamp:   req.At,
	}
	if err := g.ledger.AppendConsent(ctx, rec); err != nil {
		g.logger.Error("consent audit write failed, denying",
			zap.String("ci", ciID),
			zap.String("requester", requesterID),
			zap.String("action", string(action)),
			zap.Error(err))
		return false, "audit unavailable"
	}

	g.logger.Info("consent decision",
		zap.String("ci", ciID),
		zap.String("requester", requesterID),
		zap.String("action", string(action)),
		zap.Bool("granted", granted),
		zap.String("reason", reason))
	return granted, reason
}

// ask runs the hook, converting a panic into a denial.
func (g *Gate) ask(ctx context.Context, p Policy, req Request) (v Verdict, reason string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("consent policy panicked",
				zap.String("ci", req.CIID),
				zap.Any("panic", r))
			v, reason = Deny, "policy failed"
		}
	}()
	v = p.Decide(ctx, req)
	switch v {
	case Grant:
		reason = "granted by policy"
	case Deny:
		reason = "denied by policy"
	default:
		v, reason = Abstain, "policy abstained"
	}
	return v, reason
}

// MemoryLedger keeps records in process. Used when no store is configured.
type MemoryLedger struct {
	records []avatar.ConsentRecord
	mu      sync.RWMutex
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) AppendConsent(_ context.Context, rec avatar.ConsentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// ListConsent returns up to limit records for ciID, newest first.
// limit <= 0 returns all.
func (l *MemoryLedger) ListConsent(_ context.Context, ciID string, limit int) ([]avatar.ConsentRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []avatar.ConsentRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].CIID != ciID {
			continue
		}
		out = append(out, l.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
