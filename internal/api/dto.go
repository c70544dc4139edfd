package api

import (
	"encoding/json"

	"github.com/starford/slabsync/internal/models"
)

// RecordInput is the optimistic local version of the entity a mutation
// writes. ID defaults to the mutation's entity_id.
type RecordInput struct {
	ID       string          `json:"id,omitempty"`
	StoreID  string          `json:"store_id"`
	Status   string          `json:"status,omitempty"`
	Category string          `json:"category,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SubmitRequest is the body of POST /api/mutations.
type SubmitRequest struct {
	Kind      models.MutationKind `json:"kind"`
	Method    string              `json:"method,omitempty"`
	Endpoint  string              `json:"endpoint"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Partition models.Partition    `json:"partition,omitempty"`
	EntityID  string              `json:"entity_id,omitempty"`
	Record    *RecordInput        `json:"record,omitempty"`
}

func (r SubmitRequest) mutation() models.Mutation {
	return models.Mutation{
		Kind:      r.Kind,
		Method:    r.Method,
		Endpoint:  r.Endpoint,
		Payload:   r.Payload,
		Partition: r.Partition,
		EntityID:  r.EntityID,
	}
}

func (r SubmitRequest) optimistic() *models.Record {
	if r.Record == nil {
		return nil
	}
	return &models.Record{
		ID:       r.Record.ID,
		StoreID:  r.Record.StoreID,
		Status:   r.Record.Status,
		Category: r.Record.Category,
		Payload:  r.Record.Payload,
	}
}

// SubmitResponse reports the queued mutation's seq.
type SubmitResponse struct {
	Seq int64 `json:"seq"`
}

// OutboxResponse lists pending mutations in replay order.
type OutboxResponse struct {
	Mutations []models.Mutation `json:"mutations"`
	Total     int               `json:"total"`
}

// RecordListResponse wraps a cache read.
type RecordListResponse struct {
	Partition models.Partition `json:"partition"`
	Records   []models.Record  `json:"records"`
	Total     int              `json:"total"`
}
