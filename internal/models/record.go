// Package models defines the domain types shared by the local store, the
// outbox and the sync engine.
package models

import (
	"encoding/json"
	"time"
)

// Partition names a logical subdivision of the local cache.
type Partition string

// Cache partitions.
const (
	PartitionInventory Partition = "inventory"
	PartitionParties   Partition = "parties"
	PartitionOrders    Partition = "orders"
	PartitionInvoices  Partition = "invoices"
	PartitionPayments  Partition = "payments"
)

// Partitions lists every known cache partition.
var Partitions = []Partition{
	PartitionInventory,
	PartitionParties,
	PartitionOrders,
	PartitionInvoices,
	PartitionPayments,
}

// Valid reports whether p is a known partition.
func (p Partition) Valid() bool {
	for _, known := range Partitions {
		if p == known {
			return true
		}
	}
	return false
}

// Indexed reports whether p supports secondary index lookups.
func (p Partition) Indexed() bool {
	return p == PartitionInventory || p == PartitionParties
}

// Index names a secondary lookup column of an indexed partition.
type Index string

// Secondary indexes. IndexType is the party-facing name of the category column.
const (
	IndexStore    Index = "store_id"
	IndexStatus   Index = "status"
	IndexCategory Index = "category"
	IndexType     Index = "type"
)

// Record is the last known local snapshot of a domain entity.
type Record struct {
	ID        string          `json:"id"`
	StoreID   string          `json:"store_id"`
	Status    string          `json:"status,omitempty"`
	Category  string          `json:"category,omitempty"` // inventory category or party type
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"`
	UpdatedAt time.Time       `json:"updated_at"`
}
