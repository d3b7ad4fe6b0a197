package device

import (
	"time"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/label"
)

// Kind distinguishes the two mirror tables.
type Kind string

// Device kinds.
const (
	KindDevice  Kind = "device"
	KindLoRaWAN Kind = "lorawan_device"
)

// Device is the mirror of a leaf device identity and its twin.
//
// The hub is the system of record. Version is the twin version the row was
// last written from; the periodic sync skips twins that are not newer.
type Device struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ModelID           string            `json:"model_id"`
	IsConnected       bool              `json:"is_connected"`
	IsEnabled         bool              `json:"is_enabled"`
	StatusUpdatedTime time.Time         `json:"status_updated_time"`
	LastActivityTime  time.Time         `json:"last_activity_time"`
	Version           int64             `json:"version"`
	Tags              map[string]string `json:"tags"`
	Labels            []label.Label     `json:"labels"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// LoRaWANSettings are the LoRaWAN values written to a device's desired
// properties, plus the radio parameters the device reports back.
//
// Pointer fields are optional; nil means the network server default.
type LoRaWANSettings struct {
	UseOTAA bool   `json:"use_otaa"`
	AppEUI  string `json:"app_eui,omitempty"`
	AppKey  string `json:"app_key,omitempty"`
	AppSKey string `json:"app_s_key,omitempty"`
	NwkSKey string `json:"nwk_s_key,omitempty"`
	DevAddr string `json:"dev_addr,omitempty"`

	ClassType         devicemodel.ClassType     `json:"class_type"`
	SensorDecoder     string                    `json:"sensor_decoder,omitempty"`
	GatewayID         string                    `json:"gateway_id,omitempty"`
	Deduplication     devicemodel.Deduplication `json:"deduplication"`
	PreferredWindow   int                       `json:"preferred_window"`
	Downlink          *bool                     `json:"downlink,omitempty"`
	RX1DROffset       *int                      `json:"rx1_dr_offset,omitempty"`
	RX2DataRate       *int                      `json:"rx2_data_rate,omitempty"`
	RXDelay           *int                      `json:"rx_delay,omitempty"`
	KeepAliveTimeout  *int                      `json:"keep_alive_timeout,omitempty"`
	ABPRelaxMode      *bool                     `json:"abp_relax_mode,omitempty"`
	FCntUpStart       *int                      `json:"fcnt_up_start,omitempty"`
	FCntDownStart     *int                      `json:"fcnt_down_start,omitempty"`
	FCntResetCounter  *int                      `json:"fcnt_reset_counter,omitempty"`
	Supports32BitFCnt *bool                     `json:"supports_32bit_fcnt,omitempty"`

	// Reported by the network server; never written to the hub.
	DataRate string `json:"data_rate,omitempty"`
	TxPower  *int   `json:"tx_power,omitempty"`
	NbRep    *int   `json:"nb_rep,omitempty"`
}

// LoRaWANDevice is a device whose model supports LoRa features. Its ID is
// the DevEUI.
type LoRaWANDevice struct {
	Device
	LoRa                LoRaWANSettings `json:"lora"`
	AlreadyLoggedInOnce bool            `json:"already_logged_in_once"`
}

// ListItem is one row of the combined device listing.
type ListItem struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	ModelID             string        `json:"model_id"`
	IsConnected         bool          `json:"is_connected"`
	IsEnabled           bool          `json:"is_enabled"`
	StatusUpdatedTime   time.Time     `json:"status_updated_time"`
	LastActivityTime    time.Time     `json:"last_activity_time"`
	SupportLoRaFeatures bool          `json:"support_lora_features"`
	Labels              []label.Label `json:"labels"`
}

// Filter selects devices for List. Nil flags do not filter.
type Filter struct {
	SearchText  string
	IsEnabled   *bool
	IsConnected *bool
	ModelID     string
	Tags        map[string]string
	Labels      []string
	Kind        Kind
	Page        int
	PageSize    int
	OrderBy     string
}

// PropertyValue is a model property together with the device's current value.
type PropertyValue struct {
	Name        string                   `json:"name"`
	DisplayName string                   `json:"display_name"`
	IsWritable  bool                     `json:"is_writable"`
	Order       int                      `json:"order"`
	Type        devicemodel.PropertyType `json:"type"`
	Value       any                      `json:"value"`
}

// Credentials are what a device needs to enroll through the provisioning
// service.
type Credentials struct {
	RegistrationID       string `json:"registration_id"`
	SymmetricKey         string `json:"symmetric_key"`
	ScopeID              string `json:"scope_id"`
	ProvisioningEndpoint string `json:"provisioning_endpoint"`
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
