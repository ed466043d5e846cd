package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownCommand = errors.New("unknown control command")
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Controller is the playback surface driven by control commands. *syncengine.Engine satisfies it.
type Controller interface {
	SyncPlayVideo(ctx context.Context, mediaRef string, startAtVideoSec float64) error
	SyncPause() error
	SyncResume() error
	EndPlayback()
	SetAnchorClient(id string) error
	AdjustBaselineBiasSec(deltaSec float64) float64
}

// Command types, also the last subject token under the control prefix
const (
	CommandPlay   = "play"
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandEnd    = "end"
	CommandAnchor = "anchor"
	CommandBias   = "bias"
)

type PlayCommand struct {
	MediaRef        string  `json:"mediaRef"`
	StartAtVideoSec float64 `json:"startAtVideoSec"`
}

type AnchorCommand struct {
	ClientID string `json:"clientId"`
}

type BiasCommand struct {
	DeltaSec float64 `json:"deltaSec"`
}

// Dispatch applies one control command to the controller
func Dispatch(ctx context.Context, c Controller, commandType string, payload []byte) error {
	switch commandType {
	case CommandPlay:
		var cmd PlayCommand
		if err := decodeCommand(payload, &cmd); err != nil {
			return err
		}
		return c.SyncPlayVideo(ctx, cmd.MediaRef, cmd.StartAtVideoSec)
	case CommandPause:
		return c.SyncPause()
	case CommandResume:
		return c.SyncResume()
	case CommandEnd:
		c.EndPlayback()
		return nil
	case CommandAnchor:
		var cmd AnchorCommand
		if err := decodeCommand(payload, &cmd); err != nil {
			return err
		}
		return c.SetAnchorClient(cmd.ClientID)
	case CommandBias:
		var cmd BiasCommand
		if err := decodeCommand(payload, &cmd); err != nil {
			return err
		}
		c.AdjustBaselineBiasSec(cmd.DeltaSec)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
	}
}

func decodeCommand(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// CommandConsumerConfig holds configuration for the control-command consumer
type CommandConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectPrefix string // commands arrive on <prefix>.<command>
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultCommandConsumerConfig() CommandConsumerConfig {
	return CommandConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "SCREEN_CONTROL",
		ConsumerName:  "screensync",
		SubjectPrefix: "screens.control",
		MaxDeliver:    3,
		AckWait:       10 * time.Second,
		MaxAckPending: 1, // commands are applied in order
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// CommandConsumer applies playback commands published by the admin/queue layer
type CommandConsumer struct {
	controller Controller
	nc         *nats.Conn
	js         jetstream.JetStream
	consumer   jetstream.Consumer
	config     CommandConsumerConfig
}

func NewCommandConsumer(controller Controller, config CommandConsumerConfig) (*CommandConsumer, error) {
	nc, js, err := connect(config.URL, config.MaxReconnects, config.ReconnectWait)
	if err != nil {
		return nil, err
	}

	cc := &CommandConsumer{
		controller: controller,
		nc:         nc,
		js:         js,
		config:     config,
	}

	if err := cc.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return cc, nil
}

func (cc *CommandConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := cc.js.Stream(ctx, cc.config.StreamName)
	if err != nil {
		stream, err = cc.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cc.config.StreamName,
			Description: "Screen playback control commands",
			Subjects:    []string{cc.config.SubjectPrefix + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      time.Hour,
			Storage:     jetstream.MemoryStorage,
		})
		if err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", cc.config.StreamName).Msg("created JetStream stream")
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          cc.config.ConsumerName,
		Durable:       cc.config.ConsumerName,
		Description:   "Screen sync control consumer",
		FilterSubject: cc.config.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy, // stale commands are not replayed on restart
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cc.config.MaxDeliver,
		AckWait:       cc.config.AckWait,
		MaxAckPending: cc.config.MaxAckPending,
	}

	consumer, err := stream.Consumer(ctx, cc.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", cc.config.ConsumerName).
			Str("stream", cc.config.StreamName).
			Msg("created JetStream consumer")
	}

	cc.consumer = consumer
	return nil
}

// Start consumes commands until ctx is cancelled
func (cc *CommandConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", cc.config.ConsumerName).
		Str("stream", cc.config.StreamName).
		Msg("starting control command consumer")

	messageCh := make(chan jetstream.Msg, 16)

	consumeCtx, err := cc.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("control command consumer shutting down")
			return nil
		case msg := <-messageCh:
			cc.processMessage(ctx, msg)
		}
	}
}

// processMessage applies a command and always settles the message. Rejected commands
// (bad state, unknown client) are acked since a redelivery would be rejected again.
func (cc *CommandConsumer) processMessage(ctx context.Context, msg jetstream.Msg) {
	commandType := commandFromSubject(msg.Subject(), cc.config.SubjectPrefix)

	err := Dispatch(ctx, cc.controller, commandType, msg.Data())
	switch {
	case err == nil:
		log.Info().Str("command", commandType).Msg("control command applied")
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrInvalidPayload):
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping control command")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
		return
	default:
		log.Warn().Err(err).Str("command", commandType).Msg("control command rejected")
	}

	if ackErr := msg.Ack(); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ACK message")
	}
}

func commandFromSubject(subject, prefix string) string {
	return strings.TrimPrefix(subject, prefix+".")
}

// Stop closes the NATS connection
func (cc *CommandConsumer) Stop() error {
	log.Info().Msg("stopping control command consumer")
	if cc.nc != nil {
		cc.nc.Close()
	}
	return nil
}
