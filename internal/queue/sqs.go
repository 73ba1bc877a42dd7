package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// SQS caps on delay and visibility. Delays beyond the cap fall back to
// next_run_at gating at claim time, which makes early redelivery harmless.
const (
	maxSQSDelay      = 900 * time.Second
	maxSQSVisibility = 12 * time.Hour
)

// SQSBroker is the cloud-queue transport: receipt-handle deliveries,
// visibility-timeout leases, long-poll receives.
type SQSBroker struct {
	client   *sqs.Client
	queueURL string
	waitTime time.Duration
	logger   *zap.Logger
}

// SQSOptions configures the broker client.
type SQSOptions struct {
	QueueURL string
	Region   string
	Endpoint string
	WaitTime time.Duration
}

// NewSQSBroker builds the SQS client for one pool's queue.
func NewSQSBroker(ctx context.Context, opts SQSOptions, logger *zap.Logger) (*SQSBroker, error) {
	if opts.QueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	wait := opts.WaitTime
	if wait <= 0 || wait > 20*time.Second {
		wait = 20 * time.Second
	}
	return &SQSBroker{
		client:   client,
		queueURL: opts.QueueURL,
		waitTime: wait,
		logger:   logger,
	}, nil
}

// Publish sends the envelope, delaying delivery up to the SQS cap.
func (b *SQSBroker) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		input.DelaySeconds = int32(delay.Seconds())
	}
	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Receive long-polls for one message. Messages without a receipt handle are
// malformed and skipped; unparseable bodies are deleted so they do not cycle
// forever.
func (b *SQSBroker) Receive(ctx context.Context) (*Delivery, error) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(b.waitTime.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}
	for _, raw := range out.Messages {
		if raw.ReceiptHandle == nil || *raw.ReceiptHandle == "" {
			b.logger.Warn("skipping message without receipt handle")
			continue
		}
		body := ""
		if raw.Body != nil {
			body = *raw.Body
		}
		msg, err := DecodeMessage([]byte(body))
		if err != nil {
			b.logger.Warn("dropping malformed message", zap.Error(err))
			_ = b.Delete(ctx, *raw.ReceiptHandle)
			continue
		}
		return &Delivery{Message: msg, ReceiptHandle: *raw.ReceiptHandle}, nil
	}
	return nil, nil
}

// ExtendVisibility pushes the redelivery deadline forward for a received
// message.
func (b *SQSBroker) ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if receiptHandle == "" {
		return ErrMalformedMessage
	}
	if timeout > maxSQSVisibility {
		timeout = maxSQSVisibility
	}
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("change message visibility: %w", err)
	}
	return nil
}

// Delete removes a message once its job reached a terminal status or was
// safely requeued.
func (b *SQSBroker) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return ErrMalformedMessage
	}
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Depth reads approximate visible and in-flight counts from queue attributes.
func (b *SQSBroker) Depth(ctx context.Context) (Depth, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return Depth{}, fmt.Errorf("get queue attributes: %w", err)
	}
	visible, _ := strconv.ParseInt(out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	inflight, _ := strconv.ParseInt(out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible)], 10, 64)
	return Depth{Visible: visible, InFlight: inflight}, nil
}
