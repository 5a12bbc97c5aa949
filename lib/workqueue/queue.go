// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workqueue hands jobs to the worker fleet through a durable
// FIFO queue.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/sirupsen/logrus"
)

// Message is the body of a work queue entry.
type Message struct {
	JobID       string    `json:"jobId"`
	ContainerID string    `json:"containerId"`
	Queued      time.Time `json:"queued"`
}

// A Queue delivers messages to the worker fleet. Implementations
// must deliver each JobID at most once even if Send is retried, and
// must deliver messages with the same ContainerID in the order they
// were accepted.
type Queue interface {
	Send(context.Context, Message) error
}

// SQSQueue is a Queue backed by an SQS FIFO queue. JobID is the
// deduplication ID and ContainerID is the message group ID.
type SQSQueue struct {
	URL    string
	Logger logrus.FieldLogger

	client sqsiface.SQSAPI
}

// NewSQSQueue returns an SQSQueue that sends to the given queue URL.
// Credentials come from the SDK's default chain.
func NewSQSQueue(queueURL, region string, logger logrus.FieldLogger) (*SQSQueue, error) {
	if queueURL == "" {
		return nil, errors.New("work queue URL is not configured")
	}
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SQSQueue{
		URL:    queueURL,
		Logger: logger,
		client: sqs.New(sess),
	}, nil
}

func (q *SQSQueue) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	out, err := q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.URL),
		MessageBody:            aws.String(string(body)),
		MessageDeduplicationId: aws.String(msg.JobID),
		MessageGroupId:         aws.String(msg.ContainerID),
	})
	if err != nil {
		return fmt.Errorf("sqs SendMessage: %w", err)
	}
	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"JobID":     msg.JobID,
			"MessageID": aws.StringValue(out.MessageId),
		}).Debug("sent work queue message")
	}
	return nil
}

// CheckHealth confirms the queue exists and is reachable.
func (q *SQSQueue) CheckHealth(ctx context.Context) error {
	_, err := q.client.GetQueueAttributesWithContext(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.URL),
		AttributeNames: aws.StringSlice([]string{sqs.QueueAttributeNameFifoQueue}),
	})
	return err
}
