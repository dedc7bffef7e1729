package core

import "github.com/mikey-austin/pubsub/pkg/pubsub"

// NodesResult holds a list of presence records.
type NodesResult struct {
	Nodes []pubsub.Presence `json:"nodes"`
}

// AckResult reports a request that succeeded without content.
type AckResult struct {
	Node  string `json:"node"`
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	Seq   uint64 `json:"seq"`
}

// GetResult reports the outcome of a GET. A nil Content means the subscriber
// is caught up.
type GetResult struct {
	Node    string  `json:"node"`
	Topic   string  `json:"topic"`
	Seq     uint64  `json:"seq"`
	Content *string `json:"content"`
	NextSeq uint64  `json:"nextSeq"`
}

// SyncResult reports the topics replayed with one UP.
type SyncResult struct {
	Node   string            `json:"node"`
	Topics map[string]uint64 `json:"topics"`
}
