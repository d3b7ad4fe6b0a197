package iothub

import (
	"context"
	"fmt"
)

// Registry is the device registry the portal treats as its system of
// record. *Client implements it against IoT Hub; iothubtest provides an
// in-memory implementation.
type Registry interface {
	CreateDevice(ctx context.Context, id string, opts CreateOptions) (*Identity, error)
	GetDevice(ctx context.Context, id string) (*Identity, error)
	SetDeviceStatus(ctx context.Context, id string, enabled bool) (*Identity, error)
	DeleteDevice(ctx context.Context, id string) error

	GetTwin(ctx context.Context, id string) (*Twin, error)
	UpdateTwin(ctx context.Context, id string, patch TwinPatch, etag string) (*Twin, error)
	QueryTwins(ctx context.Context, q TwinQuery, pageSize int, continuation string) (*QueryResult, error)
	CountDevicesInScope(ctx context.Context, scope string) (int, error)
	GetModuleTwin(ctx context.Context, deviceID, moduleID string) (*Twin, error)

	InvokeMethod(ctx context.Context, deviceID, moduleID string, req MethodRequest) (*MethodResult, error)

	GetConfiguration(ctx context.Context, id string) (*Configuration, error)
	ListConfigurations(ctx context.Context, top int) ([]Configuration, error)
	CreateConfiguration(ctx context.Context, cfg Configuration) (*Configuration, error)
	UpdateConfiguration(ctx context.Context, cfg Configuration) (*Configuration, error)
	DeleteConfiguration(ctx context.Context, id string) error
	ApplyConfigurationContent(ctx context.Context, deviceID string, content ConfigurationContent) error

	Statistics(ctx context.Context) (*Statistics, error)
}

var _ Registry = (*Client)(nil)

// QueryAll pages through every twin matching q and calls fn for each.
// Iteration stops at the first error from the registry or fn.
func QueryAll(ctx context.Context, r Registry, q TwinQuery, pageSize int, fn func(Twin) error) error {
	continuation := ""
	for {
		page, err := r.QueryTwins(ctx, q, pageSize, continuation)
		if err != nil {
			return fmt.Errorf("querying twins: %w", err)
		}
		for _, twin := range page.Twins {
			if err := fn(twin); err != nil {
				return err
			}
		}
		if page.ContinuationToken == "" {
			return nil
		}
		continuation = page.ContinuationToken
	}
}
