package app

import (
	"context"
	"net/http"
	"strings"

	"lifelog/api/internal/auth"
	"lifelog/api/internal/coord"
	"lifelog/api/internal/engine"
)

// PullInput is the body of POST /api/replicache/pull.
type PullInput struct {
	ClientID      string        `json:"clientID"`
	ClientGroupID string        `json:"clientGroupID"`
	Cookie        engine.Cookie `json:"cookie"`
	PullVersion   int           `json:"pullVersion,omitempty"`
	SchemaVersion string        `json:"schemaVersion,omitempty"`
}

// PushInput is the body of POST /api/replicache/push.
type PushInput struct {
	ClientID      string            `json:"clientID"`
	ClientGroupID string            `json:"clientGroupID"`
	Mutations     []engine.Mutation `json:"mutations"`
	Cookie        engine.Cookie     `json:"cookie"`
	PushVersion   int               `json:"pushVersion,omitempty"`
	SchemaVersion string            `json:"schemaVersion,omitempty"`
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Service struct {
	validator *auth.Validator
	engine    *engine.Engine
	broker    coord.Broker
	checks    map[string]Check
}

func New(validator *auth.Validator, eng *engine.Engine, broker coord.Broker) *Service {
	return &Service{
		validator: validator,
		engine:    eng,
		broker:    broker,
		checks:    map[string]Check{"database": eng.Ping},
	}
}

// AddCheck registers a readiness check under name.
func (s *Service) AddCheck(name string, check Check) {
	s.checks[name] = check
}

func (s *Service) Authenticate(ctx context.Context, token string) (auth.Principal, error) {
	return s.validator.Validate(ctx, token)
}

func (s *Service) Pull(ctx context.Context, principal auth.Principal, in PullInput) (engine.PullResponse, error) {
	return s.engine.Pull(ctx, engine.PullRequest{
		Subject:       principal.Subject,
		ClientGroupID: in.ClientGroupID,
		ClientID:      in.ClientID,
		Cookie:        in.Cookie,
	})
}

func (s *Service) Push(ctx context.Context, principal auth.Principal, in PushInput) (engine.PushResponse, error) {
	return s.engine.Push(ctx, engine.PushRequest{
		Subject:       principal.Subject,
		ClientGroupID: in.ClientGroupID,
		ClientID:      in.ClientID,
		Mutations:     in.Mutations,
		Cookie:        in.Cookie,
	})
}

// Subscribe opens a poke stream for the dataset behind clientGroupID.
func (s *Service) Subscribe(ctx context.Context, principal auth.Principal, clientGroupID string) (*coord.Subscription, error) {
	if s.broker == nil {
		return nil, domainError(http.StatusServiceUnavailable, "POKE_UNAVAILABLE", "Pokes are not configured", nil)
	}
	group, err := engine.ParseGroupKey(clientGroupID)
	if err != nil {
		return nil, err
	}
	if !s.engine.Registry().HasKind(group.Kind) {
		return nil, domainError(http.StatusUnprocessableEntity, "UNKNOWN_GROUP", "Unknown client group", map[string]any{
			"clientGroupID": strings.TrimSpace(clientGroupID),
		})
	}
	return s.broker.Subscribe(ctx, engine.DatasetID{Subject: principal.Subject, Kind: group.Kind})
}

// Ready runs every registered check.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := make(map[string]any, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ready, checks
}
