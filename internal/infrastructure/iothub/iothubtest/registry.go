// Package iothubtest provides an in-memory iothub.Registry for tests.
package iothubtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// Operation names accepted by FailNext, FailAlways and Calls.
const (
	OpCreateDevice        = "CreateDevice"
	OpGetDevice           = "GetDevice"
	OpSetDeviceStatus     = "SetDeviceStatus"
	OpDeleteDevice        = "DeleteDevice"
	OpGetTwin             = "GetTwin"
	OpUpdateTwin          = "UpdateTwin"
	OpQueryTwins          = "QueryTwins"
	OpCountDevicesInScope = "CountDevicesInScope"
	OpGetModuleTwin       = "GetModuleTwin"
	OpInvokeMethod        = "InvokeMethod"
	OpGetConfiguration    = "GetConfiguration"
	OpListConfigurations  = "ListConfigurations"
	OpCreateConfiguration = "CreateConfiguration"
	OpUpdateConfiguration = "UpdateConfiguration"
	OpDeleteConfiguration = "DeleteConfiguration"
	OpApplyContent        = "ApplyConfigurationContent"
	OpStatistics          = "Statistics"
)

// MethodHandler answers direct method invocations.
type MethodHandler func(deviceID, moduleID string, req iothub.MethodRequest) (*iothub.MethodResult, error)

type device struct {
	identity iothub.Identity
	twin     iothub.Twin
	modules  map[string]iothub.Twin
	applied  *iothub.ConfigurationContent
}

// Registry is a thread-safe in-memory device registry. It mirrors the
// hub's error semantics: missing entries yield iothub.ErrNotFound,
// duplicates yield iothub.ErrConflict and stale etags yield
// iothub.ErrPreconditionFailed.
type Registry struct {
	mu       sync.Mutex
	devices  map[string]*device
	configs  map[string]iothub.Configuration
	failNext map[string][]error
	failAll  map[string]error
	calls    map[string]int
	seq      int64

	// Methods handles InvokeMethod. When nil every method returns status 200.
	Methods MethodHandler
}

var _ iothub.Registry = (*Registry)(nil)

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		devices:  make(map[string]*device),
		configs:  make(map[string]iothub.Configuration),
		failNext: make(map[string][]error),
		failAll:  make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailNext queues err as the result of the next call to op.
func (r *Registry) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext[op] = append(r.failNext[op], err)
}

// FailAlways makes every call to op fail with err until cleared with nil.
func (r *Registry) FailAlways(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failAll, op)
		return
	}
	r.failAll[op] = err
}

// Calls returns how many times op was invoked.
func (r *Registry) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Has reports whether a device identity exists.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[id]
	return ok
}

// Twin returns a copy of a device twin, or nil.
func (r *Registry) Twin(id string) *iothub.Twin {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil
	}
	t := clone(d.twin)
	return &t
}

// Applied returns the last content pushed with ApplyConfigurationContent.
func (r *Registry) Applied(id string) *iothub.ConfigurationContent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d.applied
	}
	return nil
}

// SeedTwin adds a device directly, bypassing failure injection.
func (r *Registry) SeedTwin(twin iothub.Twin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	edge := twin.IsEdge()
	if twin.Capabilities == nil {
		twin.Capabilities = &iothub.Capabilities{}
	}
	if twin.Status == "" {
		twin.Status = iothub.StatusEnabled
	}
	r.seq++
	if twin.Version == 0 {
		twin.Version = 1
	}
	twin.ETag = etag(twin.Version)
	r.devices[twin.DeviceID] = &device{
		identity: iothub.Identity{
			DeviceID:     twin.DeviceID,
			Status:       twin.Status,
			Capabilities: iothub.Capabilities{IoTEdge: edge},
			ETag:         etag(r.seq),
			DeviceScope:  twin.DeviceScope,
		},
		twin:    clone(twin),
		modules: make(map[string]iothub.Twin),
	}
}

// SetReported merges reported properties into a device twin.
func (r *Registry) SetReported(id string, reported map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.twin.Properties.Reported = iothub.MergePatch(d.twin.Properties.Reported, reported)
		bump(&d.twin)
	}
}

// SetConnectionState marks a device as connected or disconnected.
func (r *Registry) SetConnectionState(id string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.twin.ConnectionState = "Disconnected"
		if connected {
			d.twin.ConnectionState = iothub.ConnectionConnected
		}
	}
}

// SetModuleTwin stores a module twin for a device.
func (r *Registry) SetModuleTwin(deviceID string, twin iothub.Twin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		twin.DeviceID = deviceID
		d.modules[twin.ModuleID] = clone(twin)
	}
}

// SeedConfiguration adds a configuration directly.
func (r *Registry) SeedConfiguration(cfg iothub.Configuration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cfg.ETag = etag(r.seq)
	r.configs[cfg.ID] = cloneConfig(cfg)
}

// Configurations returns all stored configurations ordered by id.
func (r *Registry) Configurations() []iothub.Configuration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedConfigs()
}

func (r *Registry) enter(op string) error {
	r.calls[op]++
	if q := r.failNext[op]; len(q) > 0 {
		r.failNext[op] = q[1:]
		return q[0]
	}
	return r.failAll[op]
}

func notFound(kind, id string) error {
	return iothub.NewStatusError(404, kind+" "+id+" not found")
}

// CreateDevice implements iothub.Registry.
func (r *Registry) CreateDevice(_ context.Context, id string, opts iothub.CreateOptions) (*iothub.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpCreateDevice); err != nil {
		return nil, err
	}
	if err := iothub.ValidateDeviceID(id); err != nil {
		return nil, err
	}
	if _, ok := r.devices[id]; ok {
		return nil, fmt.Errorf("creating device %s: %w", id, iothub.ErrConflict)
	}

	status := iothub.StatusEnabled
	if opts.Disabled {
		status = iothub.StatusDisabled
	}
	r.seq++
	ident := iothub.Identity{
		DeviceID:     id,
		GenerationID: strconv.FormatInt(r.seq, 10),
		ETag:         etag(r.seq),
		Status:       status,
		Capabilities: iothub.Capabilities{IoTEdge: opts.Edge},
		Authentication: &iothub.Authentication{Type: "sas", SymmetricKey: &iothub.SymmetricKey{
			PrimaryKey:   "primary-" + id,
			SecondaryKey: "secondary-" + id,
		}},
		DeviceScope: opts.DeviceScope,
	}
	if opts.Edge && ident.DeviceScope == "" {
		ident.DeviceScope = "ms-azure-iot-edge://" + id + "-" + ident.GenerationID
	}
	r.devices[id] = &device{
		identity: ident,
		twin: iothub.Twin{
			DeviceID:     id,
			ETag:         etag(1),
			Version:      1,
			Status:       status,
			Capabilities: &iothub.Capabilities{IoTEdge: opts.Edge},
			DeviceScope:  ident.DeviceScope,
		},
		modules: make(map[string]iothub.Twin),
	}
	out := ident
	return &out, nil
}

// GetDevice implements iothub.Registry.
func (r *Registry) GetDevice(_ context.Context, id string) (*iothub.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpGetDevice); err != nil {
		return nil, err
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, notFound("device", id)
	}
	out := d.identity
	return &out, nil
}

// SetDeviceStatus implements iothub.Registry.
func (r *Registry) SetDeviceStatus(_ context.Context, id string, enabled bool) (*iothub.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpSetDeviceStatus); err != nil {
		return nil, err
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, notFound("device", id)
	}
	status := iothub.StatusDisabled
	if enabled {
		status = iothub.StatusEnabled
	}
	r.seq++
	d.identity.Status = status
	d.identity.ETag = etag(r.seq)
	d.identity.StatusUpdatedTime = time.Now().UTC()
	d.twin.Status = status
	out := d.identity
	return &out, nil
}

// DeleteDevice implements iothub.Registry.
func (r *Registry) DeleteDevice(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpDeleteDevice); err != nil {
		return err
	}
	if _, ok := r.devices[id]; !ok {
		return notFound("device", id)
	}
	delete(r.devices, id)
	return nil
}

// GetTwin implements iothub.Registry.
func (r *Registry) GetTwin(_ context.Context, id string) (*iothub.Twin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpGetTwin); err != nil {
		return nil, err
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, notFound("twin", id)
	}
	t := clone(d.twin)
	return &t, nil
}

// UpdateTwin implements iothub.Registry.
func (r *Registry) UpdateTwin(_ context.Context, id string, patch iothub.TwinPatch, etagIn string) (*iothub.Twin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpUpdateTwin); err != nil {
		return nil, err
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, notFound("twin", id)
	}
	if etagIn != "" && etagIn != "*" && etagIn != d.twin.ETag {
		return nil, iothub.NewStatusError(412, "etag mismatch")
	}

	normalized := roundTrip(patch)
	if len(normalized.Tags) > 0 {
		d.twin.Tags = iothub.MergePatch(d.twin.Tags, normalized.Tags)
	}
	if normalized.Properties != nil && len(normalized.Properties.Desired) > 0 {
		d.twin.Properties.Desired = iothub.MergePatch(d.twin.Properties.Desired, normalized.Properties.Desired)
	}
	bump(&d.twin)
	t := clone(d.twin)
	return &t, nil
}

// QueryTwins implements iothub.Registry. The continuation token is the
// offset into the id-ordered result set.
func (r *Registry) QueryTwins(_ context.Context, q iothub.TwinQuery, pageSize int, continuation string) (*iothub.QueryResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpQueryTwins); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var matched []iothub.Twin
	for _, id := range ids {
		if t := r.devices[id].twin; q.Matches(t) {
			matched = append(matched, clone(t))
		}
	}

	offset := 0
	if continuation != "" {
		n, err := strconv.Atoi(continuation)
		if err != nil || n < 0 || n > len(matched) {
			return nil, iothub.NewStatusError(400, "invalid continuation token")
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	end := min(offset+pageSize, len(matched))

	res := &iothub.QueryResult{Twins: matched[offset:end]}
	if end < len(matched) {
		res.ContinuationToken = strconv.Itoa(end)
	}
	return res, nil
}

// CountDevicesInScope implements iothub.Registry.
func (r *Registry) CountDevicesInScope(_ context.Context, scope string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpCountDevicesInScope); err != nil {
		return 0, err
	}
	if scope == "" {
		return 0, nil
	}
	n := 0
	for _, d := range r.devices {
		if !d.identity.Capabilities.IoTEdge && d.identity.DeviceScope == scope {
			n++
		}
	}
	return n, nil
}

// GetModuleTwin implements iothub.Registry.
func (r *Registry) GetModuleTwin(_ context.Context, deviceID, moduleID string) (*iothub.Twin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpGetModuleTwin); err != nil {
		return nil, err
	}
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, notFound("device", deviceID)
	}
	m, ok := d.modules[moduleID]
	if !ok {
		return nil, notFound("module", deviceID+"/"+moduleID)
	}
	t := clone(m)
	return &t, nil
}

// InvokeMethod implements iothub.Registry.
func (r *Registry) InvokeMethod(_ context.Context, deviceID, moduleID string, req iothub.MethodRequest) (*iothub.MethodResult, error) {
	r.mu.Lock()
	if err := r.enter(OpInvokeMethod); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	_, ok := r.devices[deviceID]
	handler := r.Methods
	r.mu.Unlock()

	if !ok {
		return nil, notFound("device", deviceID)
	}
	if handler == nil {
		return &iothub.MethodResult{Status: 200}, nil
	}
	return handler(deviceID, moduleID, req)
}

// GetConfiguration implements iothub.Registry.
func (r *Registry) GetConfiguration(_ context.Context, id string) (*iothub.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpGetConfiguration); err != nil {
		return nil, err
	}
	cfg, ok := r.configs[id]
	if !ok {
		return nil, notFound("configuration", id)
	}
	cfg = cloneConfig(cfg)
	return &cfg, nil
}

// ListConfigurations implements iothub.Registry.
func (r *Registry) ListConfigurations(_ context.Context, top int) ([]iothub.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpListConfigurations); err != nil {
		return nil, err
	}
	out := r.sortedConfigs()
	if top > 0 && len(out) > top {
		out = out[:top]
	}
	return out, nil
}

// CreateConfiguration implements iothub.Registry.
func (r *Registry) CreateConfiguration(_ context.Context, cfg iothub.Configuration) (*iothub.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpCreateConfiguration); err != nil {
		return nil, err
	}
	if err := iothub.ValidateDeviceID(cfg.ID); err != nil {
		return nil, err
	}
	if _, ok := r.configs[cfg.ID]; ok {
		return nil, fmt.Errorf("creating configuration %s: %w", cfg.ID, iothub.ErrConflict)
	}
	r.seq++
	now := time.Now().UTC()
	cfg.ETag = etag(r.seq)
	cfg.CreatedTimeUTC = now
	cfg.LastUpdatedTimeUTC = now
	r.configs[cfg.ID] = cloneConfig(cfg)
	return &cfg, nil
}

// UpdateConfiguration implements iothub.Registry. Content changes are
// rejected like the hub does.
func (r *Registry) UpdateConfiguration(_ context.Context, cfg iothub.Configuration) (*iothub.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpUpdateConfiguration); err != nil {
		return nil, err
	}
	cur, ok := r.configs[cfg.ID]
	if !ok {
		return nil, notFound("configuration", cfg.ID)
	}
	if cfg.ETag != "" && cfg.ETag != "*" && cfg.ETag != cur.ETag {
		return nil, iothub.NewStatusError(412, "etag mismatch")
	}
	if !sameContent(cur.Content, cfg.Content) {
		return nil, iothub.NewStatusError(400, "configuration content cannot be changed")
	}
	r.seq++
	cur.TargetCondition = cfg.TargetCondition
	cur.Priority = cfg.Priority
	cur.Labels = cfg.Labels
	cur.Metrics.Queries = cfg.Metrics.Queries
	cur.ETag = etag(r.seq)
	cur.LastUpdatedTimeUTC = time.Now().UTC()
	r.configs[cfg.ID] = cloneConfig(cur)
	return &cur, nil
}

// DeleteConfiguration implements iothub.Registry.
func (r *Registry) DeleteConfiguration(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpDeleteConfiguration); err != nil {
		return err
	}
	if _, ok := r.configs[id]; !ok {
		return notFound("configuration", id)
	}
	delete(r.configs, id)
	return nil
}

// ApplyConfigurationContent implements iothub.Registry.
func (r *Registry) ApplyConfigurationContent(_ context.Context, deviceID string, content iothub.ConfigurationContent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpApplyContent); err != nil {
		return err
	}
	d, ok := r.devices[deviceID]
	if !ok {
		return notFound("device", deviceID)
	}
	d.applied = &content
	return nil
}

// Statistics implements iothub.Registry.
func (r *Registry) Statistics(_ context.Context) (*iothub.Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpStatistics); err != nil {
		return nil, err
	}
	var s iothub.Statistics
	for _, d := range r.devices {
		s.TotalDeviceCount++
		if d.identity.Status == iothub.StatusDisabled {
			s.DisabledDeviceCount++
		} else {
			s.EnabledDeviceCount++
		}
		if d.twin.IsConnected() {
			s.ConnectedDeviceCount++
		}
	}
	return &s, nil
}

func (r *Registry) sortedConfigs() []iothub.Configuration {
	out := make([]iothub.Configuration, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cloneConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func bump(t *iothub.Twin) {
	t.Version++
	t.ETag = etag(t.Version)
}

func etag(v int64) string {
	return "AAAAAAAAAA" + strconv.FormatInt(v, 10)
}

// clone deep-copies a twin through JSON so callers cannot mutate the store.
func clone(t iothub.Twin) iothub.Twin {
	var out iothub.Twin
	data, _ := json.Marshal(t)
	_ = json.Unmarshal(data, &out)
	return out
}

// roundTrip normalizes patch values to their JSON shapes.
func roundTrip(p iothub.TwinPatch) iothub.TwinPatch {
	var out iothub.TwinPatch
	data, _ := json.Marshal(p)
	_ = json.Unmarshal(data, &out)
	return out
}

func cloneConfig(c iothub.Configuration) iothub.Configuration {
	var out iothub.Configuration
	data, _ := json.Marshal(c)
	_ = json.Unmarshal(data, &out)
	return out
}

func sameContent(a, b iothub.ConfigurationContent) bool {
	da, _ := json.Marshal(a)
	db, _ := json.Marshal(b)
	return string(da) == string(db)
}
