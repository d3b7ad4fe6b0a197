// Package edge manages IoT Edge devices and the edge models they are
// deployed from.
//
// An edge device is a hub identity with the iotEdge capability. Its model
// is a deployment template: the modules, system module overrides and
// routes that make up an IoT Edge deployment manifest. Every model is
// rolled out as one hub configuration targeting the devices tagged with
// its ID, so the hub pushes the manifest to each $edgeAgent and $edgeHub.
//
// Devices follow the same consistency rules as leaf devices. The hub is
// written first and the mirror row second; a failed mirror write undoes
// the hub change, and an undo that fails too is journaled for replay.
package edge
