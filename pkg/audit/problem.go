package audit

import (
	"encoding/json"
	"fmt"
)

// RFC7807Problem is a machine-readable error detail, RFC 7807 shaped,
// returned by Store methods so callers (notably pkg/controlapi) can
// surface a stable type/status without re-classifying a bare error.
type RFC7807Problem struct {
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Status     int                    `json:"status"`
	Detail     string                 `json:"detail,omitempty"`
	Instance   string                 `json:"instance,omitempty"`
	Extensions map[string]interface{} `json:"-"`
}

func (p *RFC7807Problem) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", p.Title, p.Detail, p.Status)
}

// MarshalJSON flattens Extensions to the top level, as RFC 7807 expects.
func (p *RFC7807Problem) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"type":   p.Type,
		"title":  p.Title,
		"status": p.Status,
	}
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	if p.Instance != "" {
		out["instance"] = p.Instance
	}
	for k, v := range p.Extensions {
		out[k] = v
	}
	return json.Marshal(out)
}

func NewNotFoundProblem(resource, id string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://keycloak-kafka-scram-sync/errors/not-found",
		Title:    "Resource Not Found",
		Status:   404,
		Detail:   fmt.Sprintf("%s %q was not found", resource, id),
		Instance: fmt.Sprintf("/audit/%s/%s", resource, id),
		Extensions: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

func NewConflictProblem(resource, field, value string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://keycloak-kafka-scram-sync/errors/conflict",
		Title:    "Resource Conflict",
		Status:   409,
		Detail:   fmt.Sprintf("%s already exists with %s=%q", resource, field, value),
		Instance: fmt.Sprintf("/audit/%s", resource),
		Extensions: map[string]interface{}{
			"resource": resource,
			"field":    field,
			"value":    value,
		},
	}
}

func NewServiceUnavailableProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:   "https://keycloak-kafka-scram-sync/errors/service-unavailable",
		Title:  "Service Unavailable",
		Status: 503,
		Detail: detail,
		Extensions: map[string]interface{}{
			"retry": true,
		},
	}
}
