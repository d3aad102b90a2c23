package shadow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/retry"
)

var (
	// ErrNotConnected is returned when the broker connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")
	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	// ErrPublishFailed is returned when a request could not be published.
	ErrPublishFailed = errors.New("mqtt: publish failed")
	// ErrSubscribeFailed is returned when the response topics could not be subscribed.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
	// ErrResponseTimeout is returned when no accepted or rejected reply arrives in time.
	ErrResponseTimeout = errors.New("mqtt: no shadow response")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 30 * time.Second
	disconnectQuiesce     = 250

	clientTokenKey = "clientToken"
	stateKey       = "state"
	reportedKey    = "reported"

	operationGet    = "get"
	operationUpdate = "update"

	resultAccepted = "accepted"
	resultRejected = "rejected"

	shadowNotFoundCode = 404
)

// publisher is the part of the paho client used to send requests.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
}

type response struct {
	document *structpb.Struct
	rejected bool
}

// MQTTShadows talks to a device shadow service over MQTT using
// <prefix>/<device>/shadow/{get,update} request topics and their
// /accepted and /rejected response topics.
type MQTTShadows struct {
	client pahomqtt.Client
	pub    publisher
	prefix string
	qos    byte
	// responseTimeout bounds the wait for a reply after publishing.
	responseTimeout time.Duration

	// pending maps client tokens to waiting requests.
	pending map[string]chan response
	mu      sync.Mutex
}

// DialMQTT connects to the broker and subscribes to shadow responses.
func DialMQTT(ctx context.Context, cfg config.MQTTConfig) (*MQTTShadows, error) {
	m := newMQTTShadows(nil, cfg.TopicPrefix, cfg.QoS, cfg.ResponseTimeout)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		if err := m.subscribe(client); err != nil {
			logger.ErrorKV(ctx, "Failed to subscribe to shadow responses", "error", err)
		}
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.WarnKV(ctx, "Shadow broker connection lost", "broker", cfg.Broker, "error", err)
	})

	client := pahomqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if err := m.subscribe(client); err != nil {
		client.Disconnect(disconnectQuiesce)

		return nil, err
	}

	m.client = client
	m.pub = client

	logger.InfoKV(ctx, "Connected to shadow broker", "broker", cfg.Broker)

	return m, nil
}

func newMQTTShadows(pub publisher, prefix string, qos int, responseTimeout time.Duration) *MQTTShadows {
	if responseTimeout <= 0 {
		responseTimeout = config.DefaultTimeout
	}

	return &MQTTShadows{
		pub:             pub,
		prefix:          strings.TrimSuffix(prefix, "/"),
		qos:             byte(qos), //nolint:gosec // Validated to 0..2 by config.
		responseTimeout: responseTimeout,
		pending:         make(map[string]chan response),
	}
}

// Close disconnects from the broker.
func (m *MQTTShadows) Close() {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
	}
}

// GetShadow requests the device shadow and returns its reported state.
func (m *MQTTShadows) GetShadow(ctx context.Context, deviceID string) (*structpb.Struct, error) {
	resp, err := m.request(ctx, deviceID, operationGet, &structpb.Struct{Fields: map[string]*structpb.Value{}})
	if err != nil {
		return nil, err
	}

	if resp.rejected {
		if int(resp.document.GetFields()["code"].GetNumberValue()) == shadowNotFoundCode {
			return nil, ErrShadowNotFound
		}

		return nil, fmt.Errorf("get shadow %s: %w: %s", deviceID, ErrShadowRejected, rejectMessage(resp.document))
	}

	reported := resp.document.GetFields()[stateKey].GetStructValue().GetFields()[reportedKey].GetStructValue()
	if reported == nil {
		reported = &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}

	return reported, nil
}

// UpdateShadow publishes patch as the reported state.
func (m *MQTTShadows) UpdateShadow(ctx context.Context, deviceID string, patch *structpb.Struct) error {
	request := &structpb.Struct{Fields: map[string]*structpb.Value{
		stateKey: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			reportedKey: structpb.NewStructValue(patch),
		}}),
	}}

	resp, err := m.request(ctx, deviceID, operationUpdate, request)
	if err != nil {
		return err
	}

	if resp.rejected {
		return fmt.Errorf("update shadow %s: %w: %s", deviceID, ErrShadowRejected, rejectMessage(resp.document))
	}

	return nil
}

func (m *MQTTShadows) request(
	ctx context.Context,
	deviceID, operation string,
	body *structpb.Struct,
) (response, error) {
	if m.pub == nil {
		return response{}, ErrNotConnected
	}

	clientToken := uuid.NewString()
	body.Fields[clientTokenKey] = structpb.NewStringValue(clientToken)

	payload, err := protojson.Marshal(body)
	if err != nil {
		return response{}, fmt.Errorf("marshal shadow %s request: %w", operation, err)
	}

	wait := make(chan response, 1)

	m.mu.Lock()
	m.pending[clientToken] = wait
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, clientToken)
		m.mu.Unlock()
	}()

	topic := m.topic(deviceID, operation)

	token := m.pub.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return response{}, retry.Transient(fmt.Errorf("%w: %s: timeout", ErrPublishFailed, topic))
	}

	if err = token.Error(); err != nil {
		return response{}, retry.Transient(fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err))
	}

	// A broker without a shadow service never replies.
	timer := time.NewTimer(m.responseTimeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		return resp, nil
	case <-timer.C:
		return response{}, retry.Transient(fmt.Errorf("%w: %s after %s", ErrResponseTimeout, topic, m.responseTimeout))
	case <-ctx.Done():
		return response{}, fmt.Errorf("wait for shadow %s response: %w", operation, ctx.Err())
	}
}

func (m *MQTTShadows) subscribe(client pahomqtt.Client) error {
	filters := make(map[string]byte, 4) //nolint:mnd // get/update x accepted/rejected.

	for _, operation := range []string{operationGet, operationUpdate} {
		for _, result := range []string{resultAccepted, resultRejected} {
			filters[m.topic("+", operation)+"/"+result] = m.qos
		}
	}

	token := client.SubscribeMultiple(filters, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		m.handle(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout", ErrSubscribeFailed)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// handle routes a response message to the request waiting for its client token.
func (m *MQTTShadows) handle(topic string, payload []byte) {
	doc := new(structpb.Struct)
	if err := protojson.Unmarshal(payload, doc); err != nil {
		logger.WarnKV(context.Background(), "Dropping malformed shadow response", "topic", topic, "error", err)

		return
	}

	clientToken := doc.GetFields()[clientTokenKey].GetStringValue()

	m.mu.Lock()
	wait, ok := m.pending[clientToken]
	m.mu.Unlock()

	if !ok {
		return
	}

	select {
	case wait <- response{document: doc, rejected: strings.HasSuffix(topic, "/"+resultRejected)}:
	default:
	}
}

func (m *MQTTShadows) topic(deviceID, operation string) string {
	return m.prefix + "/" + deviceID + "/shadow/" + operation
}

func rejectMessage(doc *structpb.Struct) string {
	return doc.GetFields()["message"].GetStringValue()
}
