// Package device keeps the portal's device mirror consistent with the IoT
// Hub device registry.
//
// The hub is the system of record for identities and twins. The mirror is
// a pair of SQLite tables, one for plain devices and one for LoRaWAN
// devices, that the portal lists, filters and pages without touching the
// hub. Tag values and labels are shared by both tables.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                          device.Service                           │
//	│                                                                   │
//	│  create / update / delete        SyncFromTwin / Forget            │
//	│        │                                  ▲                       │
//	│        ▼                                  │                       │
//	│  ┌────────────┐   hub first   ┌───────────┴──┐   mirror second    │
//	│  │ iothub     │──────────────▶│ Repository   │◀──────────────     │
//	│  │ .Registry  │               │ (SQLite)     │                    │
//	│  └────────────┘               └──────────────┘                    │
//	│        │ undo failed                                              │
//	│        ▼                                                          │
//	│  journal.Recorder ──▶ journal.Replayer ──▶ Service.Compensate     │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Consistency
//
// No transaction spans both stores. Each write goes to the hub first:
//
//   - Create: identity, twin patch, mirror insert. A failed step after the
//     identity exists deletes the identity again.
//   - Update: twin patch guarded by the twin etag, status change, mirror
//     update. A failed mirror write reverts the hub.
//   - Delete: hub delete, then mirror delete. A failed mirror delete still
//     succeeds because the hub no longer holds the device.
//
// When an undo fails, the repair is recorded in the journal and replayed
// later by Compensate. The periodic sync in package reconcile converges
// anything else through SyncFromTwin, which skips twins whose version is
// not newer than the mirror row.
//
// # Usage
//
//	svc := device.NewService(device.Deps{
//	    Hub:     hubClient,
//	    Repo:    device.NewSQLiteRepository(db.DB),
//	    Models:  modelService,
//	    Tags:    tagService,
//	    Journal: journalRepo,
//	    Events:  emitter,
//	    Logger:  log.Component("device"),
//	})
//
//	d, err := svc.CreateDevice(ctx, &device.Device{
//	    ID:        "sensor-01",
//	    Name:      "Boiler room sensor",
//	    ModelID:   "thermostat",
//	    IsEnabled: true,
//	    Tags:      map[string]string{"site": "north"},
//	})
package device
