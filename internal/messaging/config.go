// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderMessageID        = "message-id"
	HeaderContentType      = "content-type"
	HeaderError            = "dead-letter-error"
	HeaderAttempts         = "dead-letter-attempts"
	HeaderSourceTopic      = "dead-letter-source-topic"
	HeaderSourcePartition  = "dead-letter-source-partition"
	HeaderSourceOffset     = "dead-letter-source-offset"
	defaultPollInterval    = time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultBatchTimeout    = 10 * time.Millisecond
	defaultHandlerAttempts = 3
	commitTimeout          = 5 * time.Second
)

// BrokerConfig holds the connection settings shared by producers and
// consumers.
type BrokerConfig struct {
	Brokers  []string
	ClientID string
	// GroupID names the consumer group. Producers ignore it.
	GroupID string
	// PollInterval bounds how long a fetch waits for new records and how long
	// the consumer backs off after a broker error.
	PollInterval time.Duration
	// WriteTimeout bounds a single acknowledged write.
	WriteTimeout time.Duration
	// BatchTimeout bounds how long the writer holds a record before flushing.
	BatchTimeout time.Duration
	// StartOffset applies when the group has no committed offset. Defaults to
	// the earliest retained record.
	StartOffset int64
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	return c
}

func headerValue(headers []kafka.Header, key string) string {
	for i := len(headers) - 1; i >= 0; i-- {
		if headers[i].Key == key {
			return string(headers[i].Value)
		}
	}
	return ""
}

func headerMap(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
