// Package relay serves process output streams and history records over HTTP, and is the viewer's client for them.
package relay

type HeartbeatResponse struct {
	LastHeartbeat string
	// DroppedMessages counts poll messages discarded because a viewer's queue was full.
	DroppedMessages uint64
}

// RunRequest asks the server to run a local command and stream its output to Token.
type RunRequest struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
	Token      string   `json:"token"`
	ProcessRef string   `json:"processRef,omitempty"`
	HostRef    string   `json:"hostRef,omitempty"`
	// Input is stored on the record as the code that was run.
	Input string `json:"input,omitempty"`
}

type RunResponse struct {
	ID string `json:"id"`
}

type PollResponse struct {
	Messages []string `json:"messages"`
}

type SkippedRequest struct {
	ProcessRef string `json:"processRef"`
	HostRef    string `json:"hostRef"`
}

type DeleteResponse struct {
	Deleted []string `json:"deleted"`
}

// Message is one delivered message, split into the record id and payload.
type Message struct {
	RecordID string
	Payload  string
}
