package domain

import "encoding/json"

// Audit event outcomes.
const (
	AuditSuccess = "SUCCESS"
	AuditFailure = "FAILURE"
)

// AuditEvent is the payload of one audit chain block. Field names follow
// the audit log line format consumed by the compliance tooling.
type AuditEvent struct {
	Timestamp string         `json:"timestamp"` // RFC 3339 UTC
	EventID   string         `json:"event_id"`
	UserID    string         `json:"user_id"`
	UserRole  string         `json:"user_role"`
	IPAddress string         `json:"ip_address"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

// AuditBlock is one link of the tamper-evident hash chain.
//
// Invariants: Hash == SHA256(canonical JSON of Data), and PreviousHash
// equals the preceding block's Hash. Block 0 is the genesis sentinel with
// PreviousHash "0".
type AuditBlock struct {
	Seq          int64
	Data         json.RawMessage
	Hash         string // hex
	PreviousHash string // hex, "0" for genesis
}
