package eventlog

// The event catalog (spec.md §3). Every event type the engine can ever
// append or consume is named here; the aggregate and projection reducer
// switch over these constants and silently ignore anything else (the
// aggregate also ignores job.pollrequested.v1). A trigger of an
// unrecognized type is logged by cmd/workflowengine's dispatch.
const (
	TypeRequestDiscovered  = "request.discovered.v1"
	TypeSubmissionPrepared = "submission.prepared.v1"
	TypeJobSubmitted       = "job.submitted.v1"
	TypeJobPollRequested   = "job.pollrequested.v1"
	TypeJobTerminal        = "job.terminal.v1"
	TypeRequestCompleted   = "request.completed.v1"
)

// RequestDiscoveredData is the payload of request.discovered.v1.
type RequestDiscoveredData struct {
	RequestID    string `json:"requestId"`
	PartitionKey string `json:"partitionKey"`
	RowKey       string `json:"rowKey"`
}

// SubmissionPreparedData is the payload of submission.prepared.v1.
type SubmissionPreparedData struct {
	RequestID    string `json:"requestId"`
	PartitionKey string `json:"partitionKey"`
	RowKey       string `json:"rowKey"`
	Attempt      int    `json:"attempt"`
}

// JobSubmittedData is the payload of job.submitted.v1.
type JobSubmittedData struct {
	RequestID     string `json:"requestId"`
	PartitionKey  string `json:"partitionKey"`
	RowKey        string `json:"rowKey"`
	ExternalJobID string `json:"externalJobId"`
	Attempt       int    `json:"attempt"`
}

// JobPollRequestedData is the payload of job.pollrequested.v1.
type JobPollRequestedData struct {
	RequestID     string `json:"requestId"`
	ExternalJobID string `json:"externalJobId"`
	Attempt       int    `json:"attempt"`
}

// JobTerminalData is the payload of job.terminal.v1.
type JobTerminalData struct {
	RequestID      string `json:"requestId"`
	ExternalJobID  string `json:"externalJobId"`
	TerminalStatus string `json:"terminalStatus"` // Pass | Fail | FailCanRetry
	Attempt        int    `json:"attempt"`
}

// RequestCompletedData is the payload of request.completed.v1.
type RequestCompletedData struct {
	RequestID   string `json:"requestId"`
	FinalStatus string `json:"finalStatus"` // Pass | Fail
}
