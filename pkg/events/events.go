// Package events publishes live build updates to operator clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildsync/pkg/store"
)

// BuildsStream is the SSE stream carrying build change events.
const BuildsStream = "builds"

// BuildChangedEvent is the event type used for build updates.
const BuildChangedEvent = "build_changed"

// Publisher announces committed entity changes.
type Publisher interface {
	PublishBuildChanged(ctx context.Context, build *store.Build) error
}

// Broker is a Publisher that fans events out to SSE subscribers.
type Broker interface {
	Publisher
	http.Handler
	Close()
}

// Compile-time interface checks.
var (
	_ Broker    = (*broker)(nil)
	_ Publisher = (*noopPublisher)(nil)
)

type broker struct {
	log    logrus.FieldLogger
	server *sse.Server
}

// NewBroker creates an SSE broker with the builds stream registered.
func NewBroker(log logrus.FieldLogger) Broker {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(BuildsStream)

	return &broker{
		log:    log.WithField("component", "events"),
		server: server,
	}
}

func (b *broker) PublishBuildChanged(_ context.Context, build *store.Build) error {
	data, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("marshaling build event: %w", err)
	}

	b.server.Publish(BuildsStream, &sse.Event{
		Event: []byte(BuildChangedEvent),
		Data:  data,
	})

	b.log.WithFields(logrus.Fields{
		"build_id": build.ID,
		"status":   build.Status,
		"result":   build.Result,
	}).Debug("Published build change")

	return nil
}

// ServeHTTP serves the builds stream regardless of the stream query
// parameter.
func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("stream") == "" {
		q.Set("stream", BuildsStream)
		r = r.Clone(r.Context())
		r.URL.RawQuery = q.Encode()
	}

	b.server.ServeHTTP(w, r)
}

func (b *broker) Close() {
	b.server.Close()
}

type noopPublisher struct{}

// NewNoopPublisher returns a Publisher that drops every event.
func NewNoopPublisher() Publisher {
	return &noopPublisher{}
}

func (noopPublisher) PublishBuildChanged(context.Context, *store.Build) error {
	return nil
}
