/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package natsutil publishes discovery change notifications as CloudEvents
// to a NATS JetStream stream.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultStream        = "WSLLD_EVENTS"
	defaultSubjectPrefix = "wslld"
	defaultQueueSize     = 1024

	eventSource = "wslld/bridge"
)

var errNATSURLRequired = errors.New("events nats_url is required when events are enabled")

// Config controls change-event publishing.
type Config struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	NATSURL       string `json:"nats_url" yaml:"nats_url"`
	Stream        string `json:"stream" yaml:"stream"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	QueueSize     int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// Validate implements config.Validator and fills in defaults.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.NATSURL == "" {
		return errNATSURLRequired
	}

	if c.Stream == "" {
		c.Stream = defaultStream
	}

	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	return nil
}

// EventPublisher provides methods for publishing CloudEvents to NATS JetStream.
type EventPublisher struct {
	js     jetstream.JetStream
	stream string
	prefix string
}

// NewEventPublisher creates a new EventPublisher for the specified stream.
func NewEventPublisher(js jetstream.JetStream, streamName, subjectPrefix string) *EventPublisher {
	return &EventPublisher{
		js:     js,
		stream: streamName,
		prefix: subjectPrefix,
	}
}

// EntitySubject returns the subject for a change of the given kind.
func (p *EventPublisher) EntitySubject(kind models.EventKind) string {
	return p.prefix + ".entity." + string(kind)
}

// ConnectionSubject returns the subject for connection state changes.
func (p *EventPublisher) ConnectionSubject() string {
	return p.prefix + ".connection"
}

// PublishEntityChange publishes an upsert or remove of one entity.
func (p *EventPublisher) PublishEntityChange(ctx context.Context, data models.EntityChangeData) error {
	return p.publish(ctx, p.EntitySubject(data.Change), "com.carverauto.wslld.entity."+string(data.Change), data.Timestamp, data)
}

// PublishConnectionState publishes an upstream connection transition.
func (p *EventPublisher) PublishConnectionState(ctx context.Context, data models.ConnectionStateData) error {
	return p.publish(ctx, p.ConnectionSubject(), "com.carverauto.wslld.connection", data.Timestamp, data)
}

func (p *EventPublisher) publish(ctx context.Context, subject, eventType string, ts time.Time, data interface{}) error {
	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &ts,
		Data:            data,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	if _, err := p.js.Publish(ctx, subject, eventBytes); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	return nil
}

// Connect dials NATS with logging handlers attached.
func Connect(natsURL string, log logger.Logger, extraOpts ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("wslld"),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return nc, nil
}

// CreateEventPublisher ensures the stream exists and covers the publisher's
// subjects, then returns a publisher bound to it.
func CreateEventPublisher(ctx context.Context, nc *nats.Conn, streamName, subjectPrefix string) (*EventPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	wildcard := subjectPrefix + ".>"

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("failed to look up stream %s: %w", streamName, err)
		}

		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{wildcard},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}

		return NewEventPublisher(js, streamName, subjectPrefix), nil
	}

	cfg := stream.CachedInfo().Config
	subjects := ensureSubjectList(cfg.Subjects, wildcard)

	if len(subjects) != len(cfg.Subjects) {
		cfg.Subjects = subjects

		if _, err := js.UpdateStream(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to add subject %s to stream %s: %w", wildcard, streamName, err)
		}
	}

	return NewEventPublisher(js, streamName, subjectPrefix), nil
}

// ensureSubjectList appends subject unless an existing pattern covers it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if matchesSubject(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether the NATS pattern covers subject. A subject
// ending in ">" is covered by an equal or broader ">" pattern.
func matchesSubject(pattern, subject string) bool {
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, p := range pTokens {
		if p == ">" {
			return i < len(sTokens)
		}

		if i >= len(sTokens) {
			return false
		}

		if sTokens[i] == ">" {
			return false
		}

		if p != "*" && p != sTokens[i] {
			return false
		}
	}

	return len(pTokens) == len(sTokens)
}

type notification struct {
	entity *models.EntityChangeData
	conn   *models.ConnectionStateData
}

// ObserveFunc is called with the outcome of every publish.
type ObserveFunc func(err error)

// Notifier decouples the apply loop from NATS: enqueueing never blocks and
// drops the notification when the queue is full.
type Notifier struct {
	publisher *EventPublisher
	queue     chan notification
	logger    logger.Logger
	observe   ObserveFunc
	dropped   atomic.Int64
}

// NewNotifier wraps publisher with a queue of the given size.
func NewNotifier(publisher *EventPublisher, size int, log logger.Logger) *Notifier {
	if size <= 0 {
		size = defaultQueueSize
	}

	return &Notifier{
		publisher: publisher,
		queue:     make(chan notification, size),
		logger:    log,
	}
}

// OnPublish registers fn to be called after every publish attempt.
func (n *Notifier) OnPublish(fn ObserveFunc) {
	n.observe = fn
}

// EntityChanged enqueues an entity change.
func (n *Notifier) EntityChanged(data models.EntityChangeData) {
	n.enqueue(notification{entity: &data})
}

// ConnectionChanged enqueues a connection state change.
func (n *Notifier) ConnectionChanged(data models.ConnectionStateData) {
	n.enqueue(notification{conn: &data})
}

// Dropped returns the number of notifications discarded on a full queue.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Notifier) enqueue(item notification) {
	select {
	case n.queue <- item:
	default:
		n.dropped.Add(1)
	}
}

// Run publishes queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-n.queue:
			var err error

			switch {
			case item.entity != nil:
				err = n.publisher.PublishEntityChange(ctx, *item.entity)
			case item.conn != nil:
				err = n.publisher.PublishConnectionState(ctx, *item.conn)
			}

			if err != nil && ctx.Err() == nil {
				n.logger.Warn().Err(err).Msg("Failed to publish change event")
			}

			if n.observe != nil {
				n.observe(err)
			}
		}
	}
}
