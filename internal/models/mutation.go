package models

import (
	"encoding/json"
	"net/http"
	"time"
)

// MutationKind classifies a pending write.
type MutationKind string

// Mutation kinds.
const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Valid reports whether k is a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// DefaultMethod returns the HTTP verb used when a mutation does not name one.
func (k MutationKind) DefaultMethod() string {
	switch k {
	case MutationCreate:
		return http.MethodPost
	case MutationDelete:
		return http.MethodDelete
	default:
		return http.MethodPut
	}
}

// Mutation is a durable, not-yet-confirmed write intended for the remote API.
// It is never modified after it has been enqueued.
type Mutation struct {
	Seq            int64           `json:"seq"`
	Kind           MutationKind    `json:"kind"`
	Method         string          `json:"method"`
	Endpoint       string          `json:"endpoint"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Partition      Partition       `json:"partition,omitempty"`
	EntityID       string          `json:"entity_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Reconcilable reports whether a successful dispatch of m should update the cache.
func (m Mutation) Reconcilable() bool {
	return m.Kind != MutationDelete && m.Partition.Valid() && m.EntityID != ""
}
