package iothub

import (
	"encoding/json"
	"time"
)

// Device identity status values.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"

	ConnectionConnected = "Connected"
)

// Capabilities of a device identity.
type Capabilities struct {
	IoTEdge bool `json:"iotEdge"`
}

// SymmetricKey holds a device's SAS keys. Empty keys are generated by the hub.
type SymmetricKey struct {
	PrimaryKey   string `json:"primaryKey,omitempty"`
	SecondaryKey string `json:"secondaryKey,omitempty"`
}

// Authentication describes how a device authenticates.
type Authentication struct {
	Type         string        `json:"type"`
	SymmetricKey *SymmetricKey `json:"symmetricKey,omitempty"`
}

// Identity is a device registry entry.
type Identity struct {
	DeviceID                   string          `json:"deviceId"`
	GenerationID               string          `json:"generationId,omitempty"`
	ETag                       string          `json:"etag,omitempty"`
	ConnectionState            string          `json:"connectionState,omitempty"`
	Status                     string          `json:"status"`
	StatusReason               string          `json:"statusReason,omitempty"`
	StatusUpdatedTime          time.Time       `json:"statusUpdatedTime"`
	ConnectionStateUpdatedTime time.Time       `json:"connectionStateUpdatedTime"`
	LastActivityTime           time.Time       `json:"lastActivityTime"`
	Capabilities               Capabilities    `json:"capabilities"`
	Authentication             *Authentication `json:"authentication,omitempty"`
	DeviceScope                string          `json:"deviceScope,omitempty"`
}

// CreateOptions controls identity creation.
type CreateOptions struct {
	Edge     bool
	Disabled bool
	// DeviceScope attaches a leaf device to an edge device's scope.
	DeviceScope string
}

// TwinProperties holds the desired and reported property documents.
type TwinProperties struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

// Twin is a device or module twin.
type Twin struct {
	DeviceID         string         `json:"deviceId"`
	ModuleID         string         `json:"moduleId,omitempty"`
	ETag             string         `json:"etag,omitempty"`
	Version          int64          `json:"version"`
	Status           string         `json:"status,omitempty"`
	StatusUpdateTime time.Time      `json:"statusUpdateTime"`
	ConnectionState  string         `json:"connectionState,omitempty"`
	LastActivityTime time.Time      `json:"lastActivityTime"`
	Capabilities     *Capabilities  `json:"capabilities,omitempty"`
	DeviceScope      string         `json:"deviceScope,omitempty"`
	Tags             map[string]any `json:"tags,omitempty"`
	Properties       TwinProperties `json:"properties"`
}

// PatchProperties is the properties part of a twin patch.
type PatchProperties struct {
	Desired map[string]any `json:"desired,omitempty"`
}

// TwinPatch is a partial twin update. A nil value removes the key.
type TwinPatch struct {
	Tags       map[string]any   `json:"tags,omitempty"`
	Properties *PatchProperties `json:"properties,omitempty"`
}

// QueryResult is one page of a twin query.
type QueryResult struct {
	Twins             []Twin
	ContinuationToken string
}

// ConfigurationContent is the payload a configuration applies.
type ConfigurationContent struct {
	DeviceContent  map[string]any `json:"deviceContent,omitempty"`
	ModulesContent map[string]any `json:"modulesContent,omitempty"`
}

// ConfigurationMetrics holds metric query definitions and their results.
type ConfigurationMetrics struct {
	Results map[string]int64  `json:"results,omitempty"`
	Queries map[string]string `json:"queries,omitempty"`
}

// Configuration is an automatic device or module configuration.
// Content is immutable once created.
type Configuration struct {
	ID                 string               `json:"id"`
	SchemaVersion      string               `json:"schemaVersion,omitempty"`
	Labels             map[string]string    `json:"labels,omitempty"`
	Content            ConfigurationContent `json:"content"`
	TargetCondition    string               `json:"targetCondition"`
	CreatedTimeUTC     time.Time            `json:"createdTimeUtc"`
	LastUpdatedTimeUTC time.Time            `json:"lastUpdatedTimeUtc"`
	Priority           int                  `json:"priority"`
	SystemMetrics      ConfigurationMetrics `json:"systemMetrics"`
	Metrics            ConfigurationMetrics `json:"metrics"`
	ETag               string               `json:"etag,omitempty"`
}

// MethodRequest invokes a direct method on a device or module.
type MethodRequest struct {
	MethodName               string `json:"methodName"`
	Payload                  any    `json:"payload,omitempty"`
	ResponseTimeoutInSeconds int    `json:"responseTimeoutInSeconds,omitempty"`
	ConnectTimeoutInSeconds  int    `json:"connectTimeoutInSeconds,omitempty"`
}

// MethodResult is the device's reply to a direct method.
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Statistics summarises the registry.
type Statistics struct {
	TotalDeviceCount     int64 `json:"totalDeviceCount"`
	EnabledDeviceCount   int64 `json:"enabledDeviceCount"`
	DisabledDeviceCount  int64 `json:"disabledDeviceCount"`
	ConnectedDeviceCount int64 `json:"connectedDeviceCount"`
}
