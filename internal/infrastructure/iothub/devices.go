package iothub

import (
	"context"
	"fmt"
	"net/http"
)

// CreateDevice registers a new identity with hub-generated SAS keys.
// An existing id yields ErrConflict.
func (c *Client) CreateDevice(ctx context.Context, id string, opts CreateOptions) (*Identity, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}
	status := StatusEnabled
	if opts.Disabled {
		status = StatusDisabled
	}
	body := Identity{
		DeviceID:       id,
		Status:         status,
		Capabilities:   Capabilities{IoTEdge: opts.Edge},
		Authentication: &Authentication{Type: "sas", SymmetricKey: &SymmetricKey{}},
		DeviceScope:    opts.DeviceScope,
	}

	var out Identity
	if _, err := c.do(ctx, request{method: http.MethodPut, path: "/devices/" + escape(id), body: body, out: &out}); err != nil {
		return nil, fmt.Errorf("creating device %s: %w", id, err)
	}
	return &out, nil
}

// GetDevice reads an identity.
func (c *Client) GetDevice(ctx context.Context, id string) (*Identity, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}
	var out Identity
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/devices/" + escape(id), out: &out}); err != nil {
		return nil, fmt.Errorf("getting device %s: %w", id, err)
	}
	return &out, nil
}

// SetDeviceStatus enables or disables an identity. The update is
// conditional on the identity's current etag.
func (c *Client) SetDeviceStatus(ctx context.Context, id string, enabled bool) (*Identity, error) {
	current, err := c.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	current.Status = StatusDisabled
	if enabled {
		current.Status = StatusEnabled
	}

	var out Identity
	if _, err := c.do(ctx, request{
		method:  http.MethodPut,
		path:    "/devices/" + escape(id),
		headers: map[string]string{"If-Match": quoteETag(current.ETag)},
		body:    current,
		out:     &out,
	}); err != nil {
		return nil, fmt.Errorf("updating device %s status: %w", id, err)
	}
	return &out, nil
}

// DeleteDevice removes an identity unconditionally.
func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	if err := ValidateDeviceID(id); err != nil {
		return err
	}
	if _, err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/devices/" + escape(id),
		headers: map[string]string{"If-Match": "*"},
	}); err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return nil
}

// GetTwin reads a device twin.
func (c *Client) GetTwin(ctx context.Context, id string) (*Twin, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}
	var out Twin
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/twins/" + escape(id), out: &out}); err != nil {
		return nil, fmt.Errorf("getting twin %s: %w", id, err)
	}
	return &out, nil
}

// UpdateTwin merges patch into the twin. A non-empty etag makes the update
// conditional; a stale etag yields ErrPreconditionFailed.
func (c *Client) UpdateTwin(ctx context.Context, id string, patch TwinPatch, etag string) (*Twin, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = quoteETag(etag)
	}
	var out Twin
	if _, err := c.do(ctx, request{
		method:  http.MethodPatch,
		path:    "/twins/" + escape(id),
		headers: headers,
		body:    patch,
		out:     &out,
	}); err != nil {
		return nil, fmt.Errorf("updating twin %s: %w", id, err)
	}
	return &out, nil
}

// GetModuleTwin reads a module twin such as $edgeAgent.
func (c *Client) GetModuleTwin(ctx context.Context, deviceID, moduleID string) (*Twin, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	var out Twin
	if _, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/twins/" + escape(deviceID) + "/modules/" + escape(moduleID),
		out:    &out,
	}); err != nil {
		return nil, fmt.Errorf("getting module twin %s/%s: %w", deviceID, moduleID, err)
	}
	return &out, nil
}

// InvokeMethod calls a direct method on a device, or on a module when
// moduleID is set.
func (c *Client) InvokeMethod(ctx context.Context, deviceID, moduleID string, req MethodRequest) (*MethodResult, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if req.ResponseTimeoutInSeconds == 0 {
		req.ResponseTimeoutInSeconds = 30
	}
	path := "/twins/" + escape(deviceID)
	if moduleID != "" {
		path += "/modules/" + escape(moduleID)
	}
	path += "/methods"

	var out MethodResult
	if _, err := c.do(ctx, request{method: http.MethodPost, path: path, body: req, out: &out}); err != nil {
		return nil, fmt.Errorf("invoking %s on %s: %w", req.MethodName, deviceID, err)
	}
	return &out, nil
}

// Statistics returns registry and connection counts.
func (c *Client) Statistics(ctx context.Context) (*Statistics, error) {
	var stats Statistics
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/statistics/devices", out: &stats}); err != nil {
		return nil, fmt.Errorf("reading device statistics: %w", err)
	}
	var service struct {
		ConnectedDeviceCount int64 `json:"connectedDeviceCount"`
	}
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/statistics/service", out: &service}); err != nil {
		return nil, fmt.Errorf("reading service statistics: %w", err)
	}
	stats.ConnectedDeviceCount = service.ConnectedDeviceCount
	return &stats, nil
}

// quoteETag wraps an etag in quotes unless it already is quoted or "*".
func quoteETag(etag string) string {
	if etag == "" || etag == "*" || (len(etag) > 1 && etag[0] == '"') {
		return etag
	}
	return `"` + etag + `"`
}
