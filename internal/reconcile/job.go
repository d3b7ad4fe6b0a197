package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iothub-portal/internal/concentrator"
	"github.com/nerrad567/iothub-portal/internal/device"
	"github.com/nerrad567/iothub-portal/internal/edge"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// Job names.
const (
	JobDevices       = "devices"
	JobEdgeDevices   = "edge_devices"
	JobConcentrators = "concentrators"
)

// maxSyncErrors caps the per-twin errors kept on a Result.
const maxSyncErrors = 10

// Mirror is the local side of one device family.
type Mirror interface {
	// SyncFromTwin upserts the row of twin and reports whether it wrote.
	SyncFromTwin(ctx context.Context, twin iothub.Twin) (bool, error)
	// Forget removes a row from the mirror only.
	Forget(ctx context.Context, id string) error
	// IDs lists every mirrored ID.
	IDs(ctx context.Context) ([]string, error)
}

// Job reconciles one device family.
type Job struct {
	Name   string
	Query  iothub.TwinQuery
	Mirror Mirror
}

// Result summarises one job run.
type Result struct {
	Job       string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Seen      int           `json:"seen"`
	Upserted  int           `json:"upserted"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Removed   int           `json:"removed"`
	Complete  bool          `json:"complete"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// Run executes job once against hub.
//
// Mirror IDs are captured before the scan; only those can be removed, so
// rows created while the scan runs survive it.
func Run(ctx context.Context, hub iothub.Registry, job Job, pageSize int) Result {
	start := time.Now()
	res := Result{Job: job.Name, StartedAt: start.UTC()}
	defer func() {
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
	}()

	before, err := job.Mirror.IDs(ctx)
	if err != nil {
		res.Err = fmt.Errorf("listing mirrored %s: %w", job.Name, err)
		return res
	}

	seen := make(map[string]struct{})
	var syncErrs []error
	scanErr := iothub.QueryAll(ctx, hub, job.Query, pageSize, func(twin iothub.Twin) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Seen++
		seen[twin.DeviceID] = struct{}{}
		wrote, err := job.Mirror.SyncFromTwin(ctx, twin)
		switch {
		case err != nil:
			res.Failed++
			if len(syncErrs) < maxSyncErrors {
				syncErrs = append(syncErrs, fmt.Errorf("%s: %w", twin.DeviceID, err))
			}
		case wrote:
			res.Upserted++
		default:
			res.Skipped++
		}
		return nil
	})
	if scanErr != nil {
		res.Err = errors.Join(append([]error{fmt.Errorf("scanning %s: %w", job.Name, scanErr)}, syncErrs...)...)
		return res
	}
	res.Complete = true

	var removeErrs []error
	for _, id := range before {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := job.Mirror.Forget(ctx, id); err != nil {
			removeErrs = append(removeErrs, fmt.Errorf("forgetting %s: %w", id, err))
			continue
		}
		res.Removed++
	}
	if errs := append(syncErrs, removeErrs...); len(errs) > 0 {
		res.Err = errors.Join(errs...)
	}
	return res
}

// DeviceJob reconciles leaf and LoRaWAN devices.
func DeviceJob(svc *device.Service) Job {
	return Job{
		Name:  JobDevices,
		Query: iothub.TwinQuery{Kind: iothub.KindDevice},
		Mirror: funcs{
			sync: func(ctx context.Context, twin iothub.Twin) (bool, error) {
				out, err := svc.SyncFromTwin(ctx, twin)
				return out == device.SyncUpserted, err
			},
			forget: svc.Forget,
			ids:    svc.DeviceIDs,
		},
	}
}

// EdgeDeviceJob reconciles IoT Edge devices.
func EdgeDeviceJob(svc *edge.Service) Job {
	return Job{
		Name:   JobEdgeDevices,
		Query:  iothub.TwinQuery{Kind: iothub.KindEdge},
		Mirror: funcs{sync: svc.SyncFromTwin, forget: svc.Forget, ids: svc.DeviceIDs},
	}
}

// ConcentratorJob reconciles LoRaWAN concentrators.
func ConcentratorJob(svc *concentrator.Service) Job {
	return Job{
		Name:   JobConcentrators,
		Query:  iothub.TwinQuery{Kind: iothub.KindConcentrator},
		Mirror: funcs{sync: svc.SyncFromTwin, forget: svc.Forget, ids: svc.IDs},
	}
}

// funcs adapts service methods to Mirror.
type funcs struct {
	sync   func(ctx context.Context, twin iothub.Twin) (bool, error)
	forget func(ctx context.Context, id string) error
	ids    func(ctx context.Context) ([]string, error)
}

func (f funcs) SyncFromTwin(ctx context.Context, twin iothub.Twin) (bool, error) {
	return f.sync(ctx, twin)
}

func (f funcs) Forget(ctx context.Context, id string) error { return f.forget(ctx, id) }

func (f funcs) IDs(ctx context.Context) ([]string, error) { return f.ids(ctx) }
