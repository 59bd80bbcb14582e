package metadata

import (
	"time"
)

// SystemKey is the payload property holding the lifecycle header.
const SystemKey = "_system"

// Record states.
const (
	StateNewNotSynched = "new-not-synched"
	StateNew           = "new"
	StateProcessed     = "processed"
)

// SystemHeader is the lifecycle object embedded in every payload and
// snapshotted onto head and version rows.
type SystemHeader struct {
	InsertedAt time.Time  `json:"insertedAt" bson:"insertedAt"`
	UpdatedAt  time.Time  `json:"updatedAt" bson:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty" bson:"deletedAt,omitempty"`
	Deleted    bool       `json:"deleted,omitempty" bson:"deleted,omitempty"`
	// FunctionIDs is the ordered unique set of enrichment source tags.
	FunctionIDs []string `json:"functionIds,omitempty" bson:"functionIds,omitempty"`
	// Lineage.
	ParentID         string `json:"parentId,omitempty" bson:"parentId,omitempty"`
	ParentCollection string `json:"parentCollection,omitempty" bson:"parentCollection,omitempty"`
	OriginID         string `json:"originId,omitempty" bson:"originId,omitempty"`
	OriginCollection string `json:"originCollection,omitempty" bson:"originCollection,omitempty"`
	State            string `json:"state" bson:"state"`
}

// Lineage carries optional parent/origin references on create.
type Lineage struct {
	ParentID         string
	ParentCollection string
	OriginID         string
	OriginCollection string
}

// NewSystemCreate builds the header for a freshly created record.
func NewSystemCreate(now time.Time, lineage *Lineage) SystemHeader {
	s := SystemHeader{
		InsertedAt: now,
		UpdatedAt:  now,
		State:      StateNewNotSynched,
	}
	if lineage != nil {
		s.ParentID = lineage.ParentID
		s.ParentCollection = lineage.ParentCollection
		s.OriginID = lineage.OriginID
		s.OriginCollection = lineage.OriginCollection
	}
	return s
}

// ForUpdate preserves insertedAt and refreshes updatedAt. State is unchanged
// unless the caller overrides it afterwards.
func (s SystemHeader) ForUpdate(now time.Time) SystemHeader {
	s.UpdatedAt = now
	return s
}

// ForDelete tombstones the record: updatedAt = deletedAt = now, deleted set.
func (s SystemHeader) ForDelete(now time.Time) SystemHeader {
	s.UpdatedAt = now
	s.DeletedAt = &now
	s.Deleted = true
	return s
}

// ForRestore builds the header of a restored version: insertedAt comes from
// the restore target, updatedAt refreshes, deleted carries over iff the
// target was deleted.
func ForRestore(target SystemHeader, now time.Time) SystemHeader {
	s := target
	s.UpdatedAt = now
	if !target.Deleted {
		s.Deleted = false
		s.DeletedAt = nil
	}
	return s
}

// AddFunctionID unions a source tag into the header, preserving first-seen
// insertion order.
func (s SystemHeader) AddFunctionID(functionID string) SystemHeader {
	if functionID == "" {
		return s
	}
	for _, id := range s.FunctionIDs {
		if id == functionID {
			return s
		}
	}
	out := make([]string, 0, len(s.FunctionIDs)+1)
	out = append(out, s.FunctionIDs...)
	out = append(out, functionID)
	s.FunctionIDs = out
	return s
}

// SystemFromPayload parses the _system property out of a decoded JSON payload.
// Missing or malformed headers return the zero value and false.
func SystemFromPayload(payload map[string]any) (SystemHeader, bool) {
	raw, ok := payload[SystemKey]
	if !ok {
		return SystemHeader{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return SystemHeader{}, false
	}
	var s SystemHeader
	if v, ok := m["insertedAt"].(string); ok {
		s.InsertedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := m["updatedAt"].(string); ok {
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := m["deletedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.DeletedAt = &t
		}
	}
	if v, ok := m["deleted"].(bool); ok {
		s.Deleted = v
	}
	if v, ok := m["functionIds"].([]any); ok {
		for _, f := range v {
			if fs, ok := f.(string); ok {
				s.FunctionIDs = append(s.FunctionIDs, fs)
			}
		}
	}
	if v, ok := m["parentId"].(string); ok {
		s.ParentID = v
	}
	if v, ok := m["parentCollection"].(string); ok {
		s.ParentCollection = v
	}
	if v, ok := m["originId"].(string); ok {
		s.OriginID = v
	}
	if v, ok := m["originCollection"].(string); ok {
		s.OriginCollection = v
	}
	if v, ok := m["state"].(string); ok {
		s.State = v
	}
	return s, true
}
