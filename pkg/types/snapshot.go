package types

type NumberInfo struct {
	ID     int    `json:"id"`
	Label  string `json:"label"`
	Status string `json:"status"`
	Holder string `json:"holder,omitempty"`
}

// SnapshotResponse is the answer to the snapshot query a client issues
// right after opening its stream. Version and Origin let the client drop
// deltas that are already folded into the snapshot.
type SnapshotResponse struct {
	DrawID  string       `json:"draw_id"`
	Version int          `json:"version"`
	Origin  string       `json:"origin"`
	Numbers []NumberInfo `json:"numbers"`
}
