package queue

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SqsQueue carries jobs over AWS SQS. Payloads are compressed and then
// base64-encoded because SQS message bodies must be valid text.
type SqsQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSqsQueue(ctx context.Context, region, queueURL string) (*SqsQueue, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SqsQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func (q *SqsQueue) Publish(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	body := base64.StdEncoding.EncodeToString(payload)
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (q *SqsQueue) Receive(ctx context.Context) ([]Delivery, error) {
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(output.Messages))
	for _, message := range output.Messages {
		if message.Body == nil {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(*message.Body)
		if err != nil {
			payload = []byte(*message.Body)
		}
		job, err := decodeJob(payload)
		if err != nil {
			// Poison message: delete it rather than loop forever.
			q.delete(ctx, message.ReceiptHandle)
			continue
		}

		receipt := message.ReceiptHandle
		deliveries = append(deliveries, Delivery{
			Job: job,
			Ack: func() error {
				return q.delete(context.Background(), receipt)
			},
			Nak: func() error {
				// Zero visibility timeout makes the job immediately
				// available again.
				_, err := q.client.ChangeMessageVisibility(context.Background(), &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(q.queueURL),
					ReceiptHandle:     receipt,
					VisibilityTimeout: 0,
				})
				return err
			},
		})
	}
	return deliveries, nil
}

func (q *SqsQueue) delete(ctx context.Context, receiptHandle *string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (q *SqsQueue) Close() error { return nil }
