package consent

import (
	"context"
	"time"

	"github.com/nidhogg/ember/internal/avatar"
)

// Verdict is a policy's answer to a request.
type Verdict int

const (
	Abstain Verdict = iota // no opinion; the gate treats it as a denial
	Grant
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Grant:
		return "grant"
	case Deny:
		return "deny"
	default:
		return "abstain"
	}
}

// Request is what an external actor asks of a CI.
type Request struct {
	CIID        string
	RequesterID string
	Action      avatar.ConsentAction
	At          time.Time
}

// Policy is the CI's own consent hook. Only the owning CI installs it.
type Policy interface {
	Decide(ctx context.Context, req Request) Verdict
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, req Request) Verdict

func (f PolicyFunc) Decide(ctx context.Context, req Request) Verdict { return f(ctx, req) }

// DenyAll refuses everything.
var DenyAll Policy = PolicyFunc(func(context.Context, Request) Verdict { return Deny })

// Static answers every request the same way.
func Static(granted bool) Policy {
	v := Deny
	if granted {
		v = Grant
	}
	return PolicyFunc(func(context.Context, Request) Verdict { return v })
}

// AllowList grants listed requesters the listed actions. An empty Requesters
// set matches nobody; an empty Actions set matches no action.
type AllowList struct {
	Requesters map[string]bool
	Actions    map[avatar.ConsentAction]bool
}

// NewAllowList builds an AllowList from slices.
func NewAllowList(requesters []string, actions []avatar.ConsentAction) AllowList {
	al := AllowList{
		Requesters: make(map[string]bool, len(requesters)),
		Actions:    make(map[avatar.ConsentAction]bool, len(actions)),
	}
	for _, r := range requesters {
		al.Requesters[r] = true
	}
	for _, a := range actions {
		al.Actions[a] = true
	}
	return al
}

func (a AllowList) Decide(_ context.Context, req Request) Verdict {
	if a.Requesters[req.RequesterID] && a.Actions[req.Action] {
		return Grant
	}
	return Deny
}
