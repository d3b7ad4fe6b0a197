package iothub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// GetConfiguration reads one configuration.
func (c *Client) GetConfiguration(ctx context.Context, id string) (*Configuration, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}
	var out Configuration
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/configurations/" + escape(id), out: &out}); err != nil {
		return nil, fmt.Errorf("getting configuration %s: %w", id, err)
	}
	return &out, nil
}

// ListConfigurations returns up to top configurations (hub maximum 20).
func (c *Client) ListConfigurations(ctx context.Context, top int) ([]Configuration, error) {
	if top <= 0 || top > 20 {
		top = 20
	}
	var out []Configuration
	if _, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/configurations",
		query:  url.Values{"top": {strconv.Itoa(top)}},
		out:    &out,
	}); err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}
	return out, nil
}

// CreateConfiguration adds a configuration. An existing id yields ErrConflict.
func (c *Client) CreateConfiguration(ctx context.Context, cfg Configuration) (*Configuration, error) {
	if err := ValidateDeviceID(cfg.ID); err != nil {
		return nil, err
	}
	cfg.ETag = ""
	var out Configuration
	if _, err := c.do(ctx, request{method: http.MethodPut, path: "/configurations/" + escape(cfg.ID), body: cfg, out: &out}); err != nil {
		return nil, fmt.Errorf("creating configuration %s: %w", cfg.ID, err)
	}
	return &out, nil
}

// UpdateConfiguration replaces the mutable parts of a configuration
// (target condition, priority, labels, metrics). An empty ETag forces the
// update.
func (c *Client) UpdateConfiguration(ctx context.Context, cfg Configuration) (*Configuration, error) {
	if err := ValidateDeviceID(cfg.ID); err != nil {
		return nil, err
	}
	etag := cfg.ETag
	if etag == "" {
		etag = "*"
	}
	var out Configuration
	if _, err := c.do(ctx, request{
		method:  http.MethodPut,
		path:    "/configurations/" + escape(cfg.ID),
		headers: map[string]string{"If-Match": quoteETag(etag)},
		body:    cfg,
		out:     &out,
	}); err != nil {
		return nil, fmt.Errorf("updating configuration %s: %w", cfg.ID, err)
	}
	return &out, nil
}

// DeleteConfiguration removes a configuration unconditionally.
func (c *Client) DeleteConfiguration(ctx context.Context, id string) error {
	if err := ValidateDeviceID(id); err != nil {
		return err
	}
	if _, err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/configurations/" + escape(id),
		headers: map[string]string{"If-Match": "*"},
	}); err != nil {
		return fmt.Errorf("deleting configuration %s: %w", id, err)
	}
	return nil
}

// ApplyConfigurationContent pushes modules content directly to one edge device.
func (c *Client) ApplyConfigurationContent(ctx context.Context, deviceID string, content ConfigurationContent) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}
	if _, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/devices/" + escape(deviceID) + "/applyConfigurationContent",
		body:   content,
	}); err != nil {
		return fmt.Errorf("applying configuration content to %s: %w", deviceID, err)
	}
	return nil
}
