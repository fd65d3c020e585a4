package notify

import (
	"encoding/json"

	"github.com/gridline/scheduler/backend/chassis/storage"
)

// Config - unified configuration for the notification publisher
type Config struct {
	Name string
	URL  string

	//AWS specified
	Region             string
	CredentialsFile    string
	CredentialsProfile string
	Retries            int
}

// Notification - one completion event. Published only after the owning
// transaction commits, so no observer sees a state not yet durable.
type Notification struct {
	RecordID int64          `json:"recordId"`
	Status   storage.Status `json:"status"`
}

// JSON - convert struct to json
func (n *Notification) JSON() (string, error) {
	bin, err := json.Marshal(n)
	return string(bin), err
}

// FromJSON - convert json to struct
func (n *Notification) FromJSON(jsonString string) error {
	return json.Unmarshal([]byte(jsonString), n)
}

// Publisher interface for completion-event delivery
type Publisher interface {
	Publish(*Notification) error
}
