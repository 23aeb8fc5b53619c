// Package push publishes rendered notifications to the push delivery topic on
// Google Cloud Pub/Sub. A downstream sender owns the APNs/FCM conversation;
// this gateway's job is reliable handoff and failure classification.
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// pubsubTopicClient is the slice of pubsub.Publisher the gateway uses, kept
// narrow so tests can substitute the in-memory pstest server.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Gateway implements presence.DeliveryGateway over a Pub/Sub topic.
type Gateway struct {
	topic  pubsubTopicClient
	logger zerolog.Logger
}

// NewGateway creates a push gateway publishing to the given topic.
func NewGateway(topic pubsubTopicClient, logger zerolog.Logger) (*Gateway, error) {
	if topic == nil {
		return nil, fmt.Errorf("push: topic cannot be nil")
	}
	return &Gateway{
		topic:  topic,
		logger: logger.With().Str("component", "push").Logger(),
	}, nil
}

// pushRequest is the wire contract with the downstream push sender.
type pushRequest struct {
	Token      string              `json:"token"`
	Platform   string              `json:"platform"`
	UserID     string              `json:"userId"`
	TemplateID string              `json:"templateId"`
	Variables  []map[string]string `json:"variables,omitempty"`
	Batched    bool                `json:"batched,omitempty"`
	Priority   presence.Priority   `json:"priority"`
}

// SendToDevice publishes one delivery request and waits for the broker ack.
// Errors the broker classifies as caller mistakes are reported as permanent so
// the scheduler does not burn retries on them.
func (g *Gateway) SendToDevice(ctx context.Context, token presence.DeviceToken, n *presence.RenderedNotification) presence.DeliveryResult {
	request := pushRequest{
		Token:      token.Token,
		Platform:   token.Platform,
		UserID:     n.UserID,
		TemplateID: n.TemplateID,
		Variables:  n.Variables,
		Batched:    n.Batched,
		Priority:   n.Priority,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return presence.DeliveryResult{Error: fmt.Sprintf("marshal push request: %v", err), Permanent: true}
	}

	result := g.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"platform": token.Platform,
			"priority": string(n.Priority),
		},
	})
	messageID, err := result.Get(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", n.UserID).Str("platform", token.Platform).
			Msg("Push publish failed.")
		return presence.DeliveryResult{Error: err.Error(), Permanent: isPermanent(err)}
	}

	g.logger.Debug().Str("user_id", n.UserID).Str("message_id", messageID).Msg("Push request published.")
	return presence.DeliveryResult{Success: true, MessageID: messageID}
}

func isPermanent(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated:
		return true
	default:
		return false
	}
}
