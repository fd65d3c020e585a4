package notify

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// AWSPublisher implementation
type AWSPublisher struct {
	QueueURL string
	queue    *sqs.SQS
}

// InitAWSPublisher ...
func InitAWSPublisher(cfg Config) Publisher {
	ssn := session.New(&aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewSharedCredentials(cfg.CredentialsFile, cfg.CredentialsProfile),
		MaxRetries:  aws.Int(cfg.Retries),
	})
	queue := sqs.New(ssn)
	URL := fmt.Sprintf("%s/%s", cfg.URL, cfg.Name)
	return &AWSPublisher{
		queue:    queue,
		QueueURL: URL,
	}
}

// Publish ...
func (p AWSPublisher) Publish(notification *Notification) error {
	body, err := notification.JSON()
	if err != nil {
		return err
	}
	msg := &sqs.SendMessageInput{
		MessageBody:  aws.String(body),       // Required
		QueueUrl:     aws.String(p.QueueURL), // Required
		DelaySeconds: aws.Int64(0),
	}
	sendResponse, err := p.queue.SendMessage(msg)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "publish_notification",
		"queue": "aws_sqs",
	}).Debug(*sendResponse.MessageId)
	return nil
}
