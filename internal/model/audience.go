package model

import "encoding/json"

type AudienceKind string

const (
	AudienceAll        AudienceKind = "all"
	AudienceTag        AudienceKind = "tag"
	AudienceSegment    AudienceKind = "segment"
	AudienceRecent     AudienceKind = "recent"
	AudienceRecipients AudienceKind = "recipients"
)

// Audience is a discriminated audience descriptor. Predicate uses the
// rule-engine condition grammar and is kept raw here.
type Audience struct {
	Kind       AudienceKind    `json:"kind"`
	Tag        string          `json:"tag,omitempty"`
	Predicate  json.RawMessage `json:"predicate,omitempty"`
	Days       int             `json:"days,omitempty"`
	RecordKind RecordKind      `json:"record_kind,omitempty"`
	IDs        []int64         `json:"ids,omitempty"`
}
