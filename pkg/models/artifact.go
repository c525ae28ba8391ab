package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactKind identifies one produced artifact per meeting.
type ArtifactKind string

// Artifact kinds, in pipeline order.
const (
	ArtifactRawTranscript      ArtifactKind = "raw_transcript"
	ArtifactEnhancedTranscript ArtifactKind = "enhanced_transcript"
	ArtifactReport             ArtifactKind = "report"
	ArtifactScorecard          ArtifactKind = "scorecard"
	ArtifactComparison         ArtifactKind = "comparison"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactRawTranscript, ArtifactEnhancedTranscript,
		ArtifactReport, ArtifactScorecard, ArtifactComparison:
		return true
	}
	return false
}

// DownstreamKinds returns from and every kind produced after it.
// Rebuild clears these before re-enqueueing.
func DownstreamKinds(from ArtifactKind) []ArtifactKind {
	order := []ArtifactKind{
		ArtifactRawTranscript,
		ArtifactEnhancedTranscript,
		ArtifactReport,
		ArtifactScorecard,
		ArtifactComparison,
	}
	for i, k := range order {
		if k == from {
			return order[i:]
		}
	}
	return nil
}

// Artifact is one (meeting, kind) output. Write-wins under the per-meeting
// advisory lock.
type Artifact struct {
	MeetingID string       `db:"meeting_id" json:"meeting_id"`
	Kind      ArtifactKind `db:"kind" json:"kind"`
	Content   []byte       `db:"content" json:"-"`
	Epoch     int          `db:"epoch" json:"epoch"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// StringList stores a JSON array of strings in a jsonb column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}
