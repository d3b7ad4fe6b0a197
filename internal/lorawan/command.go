package lorawan

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/iothub-portal/internal/device"
	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/mqtt"
)

// DeviceSource looks up LoRaWAN devices. *device.Service implements it.
type DeviceSource interface {
	GetLoRaWANDevice(ctx context.Context, id string) (*device.LoRaWANDevice, error)
}

// CommandSource looks up model commands. *devicemodel.Service implements it.
type CommandSource interface {
	Command(ctx context.Context, modelID, commandID string) (*devicemodel.Command, error)
}

// Publisher sends JSON messages. *mqtt.Client implements it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Logger is the logging interface used by the package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Downlink is the message handed to the network server for one command.
type Downlink struct {
	MessageID  string `json:"message_id"`
	RawPayload string `json:"raw_payload"`
	FPort      int    `json:"fport"`
	Confirmed  bool   `json:"confirmed"`
}

// CommandSender publishes model commands as LoRaWAN downlinks.
type CommandSender struct {
	devices DeviceSource
	models  CommandSource
	pub     Publisher
	topics  mqtt.Topics
	events  *events.Emitter
	logger  Logger
	newID   func() string
}

// NewCommandSender creates a command sender publishing under topics.
func NewCommandSender(devices DeviceSource, models CommandSource, pub Publisher, topics mqtt.Topics, em *events.Emitter) *CommandSender {
	return &CommandSender{
		devices: devices,
		models:  models,
		pub:     pub,
		topics:  topics,
		events:  em,
		logger:  noopLogger{},
		newID:   uuid.NewString,
	}
}

// SetLogger sets the logger.
func (c *CommandSender) SetLogger(logger Logger) {
	c.logger = logger
}

// Execute sends the model command commandID to a LoRaWAN device and
// returns the published downlink.
func (c *CommandSender) Execute(ctx context.Context, deviceID, commandID string) (*Downlink, error) {
	d, err := c.devices.GetLoRaWANDevice(ctx, deviceID)
	if errors.Is(err, device.ErrNotLoRaWAN) {
		return nil, fmt.Errorf("%w: %s", ErrNotLoRaWAN, deviceID)
	}
	if err != nil {
		return nil, err
	}

	cmd, err := c.models.Command(ctx, d.ModelID, commandID)
	if errors.Is(err, devicemodel.ErrCommandNotFound) || errors.Is(err, devicemodel.ErrNotLoRaModel) {
		return nil, fmt.Errorf("%w: %s on model %s", ErrCommandNotFound, commandID, d.ModelID)
	}
	if err != nil {
		return nil, err
	}

	payload, err := encodeFrame(cmd.Frame)
	if err != nil {
		return nil, err
	}
	msg := &Downlink{
		MessageID:  c.newID(),
		RawPayload: payload,
		FPort:      cmd.Port,
		Confirmed:  cmd.Confirmed,
	}
	if err := c.pub.PublishJSON(c.topics.LoRaWANDownlink(deviceID), msg); err != nil {
		return nil, fmt.Errorf("sending command %s to %s: %w", cmd.Name, deviceID, err)
	}

	c.logger.Info("lorawan command sent", "device", deviceID, "command", cmd.Name, "message_id", msg.MessageID)
	c.events.Emit(ctx, events.CommandSent, "lorawan_device", deviceID, map[string]any{
		"command":    cmd.Name,
		"message_id": msg.MessageID,
	})
	return msg, nil
}

// encodeFrame turns a hex frame into the base64 payload the network server
// expects. An empty frame sends an empty payload.
func encodeFrame(frame string) (string, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(frame), " ", ""))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
