package edge

import (
	"time"

	"github.com/nerrad567/iothub-portal/internal/label"
)

// Connection states reported by the hub.
const (
	StateConnected    = "Connected"
	StateDisconnected = "Disconnected"
)

// Deployment status values of LastDeployment.
const (
	DeploymentPending = "Pending"
	DeploymentSuccess = "Success"
	DeploymentFailure = "Failure"
)

// EdgeDevice is the mirror of an IoT Edge identity.
//
// NbDevices counts the leaf devices attached to the device's scope. The
// runtime fields (RuntimeResponse, Modules, LastDeployment) are read live
// from the $edgeAgent module twin and are never stored.
type EdgeDevice struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	ModelID         string            `json:"model_id"`
	Scope           string            `json:"scope,omitempty"`
	IsEnabled       bool              `json:"is_enabled"`
	ConnectionState string            `json:"connection_state"`
	RuntimeResponse string            `json:"runtime_response,omitempty"`
	NbDevices       int               `json:"nb_devices"`
	NbModules       int               `json:"nb_modules"`
	Modules         []ModuleStatus    `json:"modules,omitempty"`
	Tags            map[string]string `json:"tags"`
	Labels          []label.Label     `json:"labels"`
	LastDeployment  *Deployment       `json:"last_deployment,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ModuleStatus is one module as reported by $edgeAgent.
type ModuleStatus struct {
	Name          string    `json:"name"`
	Version       string    `json:"version,omitempty"`
	Status        string    `json:"status,omitempty"`
	RuntimeStatus string    `json:"runtime_status,omitempty"`
	ExitCode      int       `json:"exit_code"`
	RestartCount  int       `json:"restart_count"`
	LastStartTime time.Time `json:"last_start_time,omitempty"`
	IsSystem      bool      `json:"is_system"`
}

// Deployment is the result of the last manifest $edgeAgent applied.
type Deployment struct {
	Version     int64  `json:"version"`
	Status      string `json:"status"`
	Code        int    `json:"code"`
	Description string `json:"description,omitempty"`
}

// EdgeModel is a deployment template.
type EdgeModel struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Modules       []Module       `json:"modules"`
	SystemModules []SystemModule `json:"system_modules"`
	Routes        []Route        `json:"routes"`
	Labels        []label.Label  `json:"labels"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Module is a custom module of an edge model.
type Module struct {
	Name                   string            `json:"name"`
	ImageURI               string            `json:"image_uri"`
	ContainerCreateOptions string            `json:"container_create_options,omitempty"`
	StartupOrder           int               `json:"startup_order"`
	Env                    map[string]string `json:"env,omitempty"`
	TwinSettings           map[string]any    `json:"twin_settings,omitempty"`
	Commands               []ModuleCommand   `json:"commands,omitempty"`
}

// ModuleCommand is a direct method a module exposes.
type ModuleCommand struct {
	Name string `json:"name"`
}

// SystemModule overrides the image or settings of edgeAgent or edgeHub.
type SystemModule struct {
	Name                   string            `json:"name"`
	ImageURI               string            `json:"image_uri"`
	ContainerCreateOptions string            `json:"container_create_options,omitempty"`
	Env                    map[string]string `json:"env,omitempty"`
}

// Route is an $edgeHub message route. Nil Priority and TimeToLive use the
// hub defaults.
type Route struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	Priority   *int   `json:"priority,omitempty"`
	TimeToLive *int   `json:"time_to_live,omitempty"`
}

// DeviceFilter selects edge devices for ListDevices.
type DeviceFilter struct {
	SearchText string
	ModelID    string
	IsEnabled  *bool
	Labels     []string
	Page       int
	PageSize   int
}

// ModelFilter selects edge models for ListModels.
type ModelFilter struct {
	SearchText string
	Labels     []string
}

// ModuleLog is one line returned by the GetModuleLogs method.
type ModuleLog struct {
	ModuleID  string    `json:"module_id"`
	Timestamp time.Time `json:"timestamp"`
	LogLevel  int       `json:"log_level"`
	Text      string    `json:"text"`
}

// Credentials are what an edge runtime needs to enroll through the
// provisioning service.
type Credentials struct {
	RegistrationID       string `json:"registration_id"`
	SymmetricKey         string `json:"symmetric_key"`
	ScopeID              string `json:"scope_id"`
	ProvisioningEndpoint string `json:"provisioning_endpoint"`
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
