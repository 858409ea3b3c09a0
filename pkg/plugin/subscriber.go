package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/scram"
)

// BrokerClient is the subset of *broker.Client the subscriber needs.
type BrokerClient interface {
	Upsert(ctx context.Context, principal string, verifier *scram.Verifier) error
	Delete(ctx context.Context, principal string, mechanism scram.Mechanism) error
}

// UsernameResolver looks a principal's username up by id when the
// admin event carries only the resource id, not its username.
type UsernameResolver func(ctx context.Context, realm, resourceID string) (string, error)

// AdminEvent is the host's admin event, reduced to the fields the
// subscriber's resource-type policy and password hand-off need.
type AdminEvent struct {
	// Key correlates this event back to the CorrelationStore entry set
	// by the PasswordInterceptor for the same request. Empty for events
	// that never pass through a password-capturing request (e.g. a
	// plain CLIENT update).
	Key string

	Realm         string
	ResourceType  string // "USER" or "CLIENT"
	OperationType string // "CREATE", "UPDATE", or "DELETE"
	ResourcePath  string // e.g. "users/<id>/reset-password"

	// ResourceID and Username identify the principal. Username may be
	// empty, in which case the subscriber resolves it via Resolver.
	ResourceID string
	Username   string

	// Secret carries a CLIENT resource's secret directly, since client
	// secrets are not routed through the password hash interceptor.
	Secret string
}

type resourceAction int

const (
	actionNone resourceAction = iota
	actionUpsert
	actionDelete
)

var passwordResetSubPaths = []string{
	"/reset-password",
	"/reset-password-email",
	"/execute-actions-email",
}

// classifyResourceEvent implements the resource-type policy: USER
// DELETE -> delete, USER {CREATE,UPDATE} or a password-reset sub-path
// -> upsert, CLIENT {CREATE,UPDATE} -> upsert, CLIENT DELETE ->
// delete. Anything else is ignored.
func classifyResourceEvent(resourceType, operationType, resourcePath string) resourceAction {
	rt := strings.ToUpper(resourceType)
	op := strings.ToUpper(operationType)

	switch rt {
	case "USER":
		switch {
		case op == "DELETE":
			return actionDelete
		case op == "CREATE" || op == "UPDATE":
			return actionUpsert
		case isPasswordResetSubPath(resourcePath):
			return actionUpsert
		}
	case "CLIENT":
		switch op {
		case "CREATE", "UPDATE":
			return actionUpsert
		case "DELETE":
			return actionDelete
		}
	}
	return actionNone
}

func isPasswordResetSubPath(path string) bool {
	for _, suffix := range passwordResetSubPaths {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// Subscriber is the Admin Event Subscriber: it reacts to host admin
// events by upserting or deleting the corresponding principal's SCRAM
// credentials on the broker, synchronously on the request path so a
// broker failure can roll the host's own change back.
type Subscriber struct {
	store    *CorrelationStore
	broker   BrokerClient
	resolver UsernameResolver
	cfg      Config
}

// NewSubscriber wires a Subscriber. resolver may be nil if events
// always carry a populated Username.
func NewSubscriber(store *CorrelationStore, broker BrokerClient, resolver UsernameResolver, cfg Config) *Subscriber {
	return &Subscriber{store: store, broker: broker, resolver: resolver, cfg: cfg}
}

// HandleEvent applies the resource-type policy to ev. It guarantees
// the CorrelationStore entry for ev.Key is cleared on every exit path,
// so a skipped or failed event never leaks a captured password into a
// later request.
func (s *Subscriber) HandleEvent(ctx context.Context, ev AdminEvent) error {
	defer s.store.Clear(ev.Key)

	action := classifyResourceEvent(ev.ResourceType, ev.OperationType, ev.ResourcePath)
	if action == actionNone {
		return nil
	}

	if !s.cfg.RealmAllowed(ev.Realm) {
		return nil
	}

	principal, err := s.resolvePrincipal(ctx, ev)
	if err != nil {
		return fmt.Errorf("plugin: resolve principal: %w", err)
	}

	if action == actionDelete {
		return s.deleteAll(ctx, principal)
	}

	password, err := s.resolvePassword(ev)
	if err != nil {
		return fmt.Errorf("plugin: resolve password: %w", err)
	}
	if password == "" {
		return nil
	}

	return s.upsertAll(ctx, principal, password)
}

func (s *Subscriber) resolvePrincipal(ctx context.Context, ev AdminEvent) (string, error) {
	if ev.Username != "" {
		return ev.Username, nil
	}
	if s.resolver == nil {
		return "", fmt.Errorf("username absent from event and no resolver configured")
	}
	return s.resolver(ctx, ev.Realm, ev.ResourceID)
}

// resolvePassword retrieves a USER event's captured password from the
// correlation store, or returns a CLIENT event's secret directly.
func (s *Subscriber) resolvePassword(ev AdminEvent) (string, error) {
	if strings.EqualFold(ev.ResourceType, "CLIENT") {
		return ev.Secret, nil
	}
	password, _ := s.store.GetAndClear(ev.Key)
	return password, nil
}

func (s *Subscriber) upsertAll(ctx context.Context, principal, password string) error {
	for _, mech := range s.cfg.Mechanisms {
		verifier, err := scram.Generate(password, scram.Options{Mechanism: mech, Iterations: s.cfg.Iterations})
		if err != nil {
			return fmt.Errorf("generate %s verifier: %w", mech, err)
		}
		if err := s.broker.Upsert(ctx, principal, verifier); err != nil {
			return fmt.Errorf("upsert %s credential for %s: %w", mech, principal, err)
		}
	}
	return nil
}

func (s *Subscriber) deleteAll(ctx context.Context, principal string) error {
	for _, mech := range s.cfg.Mechanisms {
		if err := s.broker.Delete(ctx, principal, mech); err != nil {
			return fmt.Errorf("delete %s credential for %s: %w", mech, principal, err)
		}
	}
	return nil
}
