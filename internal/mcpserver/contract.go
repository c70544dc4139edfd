package mcpserver

// MutationFormat documents what a pending mutation looks like and how the
// outbox replays it.
const MutationFormat = `# Pending Mutation Format

Writes made while offline (or before the server confirmed them) wait in the
outbox as pending mutations:

` + "```" + `json
{
  "seq": 12,
  "kind": "update",
  "method": "PUT",
  "endpoint": "/inventory/slab-4411",
  "payload": {"status": "reserved"},
  "partition": "inventory",
  "entity_id": "slab-4411",
  "idempotency_key": "6f1c2d0e-7b1a-4c3e-9d51-0a8f2b7c9e34",
  "enqueued_at": "2026-03-01T10:00:00Z"
}
` + "```" + `

## Fields

- **seq**: strictly increasing, assigned when queued, never reused.
- **kind**: ` + "`create`, `update` or `delete`" + `.
- **method**: HTTP verb sent to the remote API (POST, PUT, PATCH or DELETE).
- **endpoint**: path relative to the API base URL.
- **partition / entity_id**: optional cache target; a successful create or
  update that returns the entity overwrites the cached copy.
- **idempotency_key**: sent as the ` + "`Idempotency-Key`" + ` header on every attempt.

## Replay rules

1. Mutations replay one at a time in seq order. Nothing is merged or coalesced.
2. A 2xx response removes the mutation. Anything else leaves it queued and
   the drain continues with the next one.
3. 409, 412 and 422 responses are reported as **rejected**. They are retried
   on every drain until the user discards them with ` + "`discard_mutation`" + `.
4. When offline, or while another drain runs, ` + "`sync_now`" + ` reports zero
   counts and sends nothing.
`
