package notify

import (
	log "github.com/gridline/scheduler/backend/chassis/logging"
)

// LogPublisher writes completion events to the log only. Used when no
// queue is configured.
type LogPublisher struct{}

// InitLogPublisher ...
func InitLogPublisher() Publisher {
	return &LogPublisher{}
}

// Publish ...
func (p LogPublisher) Publish(notification *Notification) error {
	log.WithFields(log.Fields{
		"event":    "publish_notification",
		"recordID": notification.RecordID,
		"status":   notification.Status,
	}).Info("record finished")
	return nil
}
