package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// TranscriptSegment is the transcription of one chunk.
type TranscriptSegment struct {
	ChunkSeq int64  `json:"chunk_seq"`
	Text     string `json:"text"`
}

// Transcript is the content of the raw and enhanced transcript artifacts.
type Transcript struct {
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments"`
}

// ParseTranscript decodes transcript artifact content. Empty content yields
// an empty transcript.
func ParseTranscript(content []byte) (*Transcript, error) {
	t := &Transcript{}
	if len(content) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(content, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Upsert inserts the segment in sequence order, replacing an existing
// segment with the same sequence. Redelivered STT jobs overwrite rather than
// duplicate.
func (t *Transcript) Upsert(seg TranscriptSegment) {
	for i := range t.Segments {
		if t.Segments[i].ChunkSeq == seg.ChunkSeq {
			t.Segments[i] = seg
			return
		}
	}
	t.Segments = append(t.Segments, seg)
	sort.Slice(t.Segments, func(i, j int) bool {
		return t.Segments[i].ChunkSeq < t.Segments[j].ChunkSeq
	})
}

// Text joins the segments in order.
func (t *Transcript) Text() string {
	parts := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, "\n")
}

// Marshal encodes the transcript for artifact storage.
func (t *Transcript) Marshal() ([]byte, error) {
	return json.Marshal(t)
}
