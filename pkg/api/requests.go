package api

// StartMeetingRequest creates a meeting. MeetingID is optional; the server
// generates one when absent.
type StartMeetingRequest struct {
	MeetingID         string   `json:"meeting_id,omitempty"`
	Mode              string   `json:"mode"`
	Language          string   `json:"language,omitempty"`
	Recipients        []string `json:"recipients,omitempty"`
	ConnectorProvider string   `json:"connector_provider,omitempty"`
	// AutoJoinConnector overrides the configured auto-join default for
	// realtime meetings.
	AutoJoinConnector *bool `json:"auto_join_connector,omitempty"`
}

// UploadChunkRequest is the JSON body variant of the chunk upload (the
// endpoint also accepts multipart with a "media" part).
type UploadChunkRequest struct {
	MediaB64 string `json:"media_b64"`
}

// RebuildRequest picks the artifact to rebuild from.
type RebuildRequest struct {
	From string `json:"from"`
}

// BreakerResetRequest records who asked and why.
type BreakerResetRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DLQReplayRequest bounds a replay batch.
type DLQReplayRequest struct {
	Limit int `json:"limit,omitempty"`
}
