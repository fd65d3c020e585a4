package protocol

import (
	"encoding/json"
	"fmt"
)

// Reserved error types synthesized by the scheduler itself.
const (
	ErrorTypeInternal    = "internal_error"
	ErrorTypeComputeLost = "compute_lost"
)

// FailureInfo - explicit failure reported by a manager, or synthesized
// by the completion engine for malformed results.
type FailureInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result - outcome envelope a manager reports for one finished task.
type Result struct {
	Success    bool                   `json:"success"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Provenance map[string]interface{} `json:"provenance,omitempty"`
	Error      *FailureInfo           `json:"error,omitempty"`
}

// WellFormed reports whether the envelope is either a success or a
// recognized failure shape.
func (r *Result) WellFormed() bool {
	if r == nil {
		return false
	}
	if r.Success {
		return true
	}
	return r.Error != nil && r.Error.Type != ""
}

// JSON - convert struct to json
func (r *Result) JSON() (string, error) {
	bin, err := json.Marshal(r)
	return string(bin), err
}

// FromJSON - convert json to struct
func (r *Result) FromJSON(jsonString string) error {
	return json.Unmarshal([]byte(jsonString), r)
}

// String representation
func (r *Result) String() string {
	return fmt.Sprintf("success=%t outputs=%v error=%v", r.Success, r.Outputs, r.Error)
}

// InternalError wraps an unexpected condition as a failure result so
// the auto-reset policy can veto retries on it permanently.
func InternalError(message string) *Result {
	return &Result{
		Success: false,
		Error: &FailureInfo{
			Type:    ErrorTypeInternal,
			Message: message,
		},
	}
}
