// Package opcserver exposes the store as an OPC UA address space:
// Applications → Devices → Metrics, with each metric served as a readable
// and optionally writable variable. The protocol machinery itself comes
// from the gopcua engine; this package owns the address-space model and
// the read/write semantics against the store.
package opcserver

import (
	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/types"
)

// Variable is one metric variable in the address space.
type Variable struct {
	NodeID       string
	BrowseName   string
	DeviceID     string
	UpstreamName string
	Kind         types.Kind
	Unit         string
	Writable     bool
	// Command names the downlink command triggered by client writes,
	// empty when writes stay in the store.
	Command string
}

// DeviceFolder groups the variables of one device.
type DeviceFolder struct {
	NodeID     string
	BrowseName string
	DeviceID   string
	Variables  []Variable
}

// AppFolder groups the devices of one application.
type AppFolder struct {
	NodeID        string
	BrowseName    string
	ApplicationID string
	Devices       []DeviceFolder
}

// Space is the address-space model built once from the configuration.
// Node ids are pure functions of configured identifiers, so they are
// stable across restarts.
type Space struct {
	NamespaceURI string
	Applications []AppFolder
}

// BuildSpace derives the address-space model from the configuration.
func BuildSpace(cfg *config.Config) *Space {
	space := &Space{NamespaceURI: cfg.OpcUa.NamespaceURI}

	for _, app := range cfg.Applications {
		folder := AppFolder{
			NodeID:        types.ApplicationNodeID(app.ApplicationID),
			BrowseName:    browseName(app.ApplicationName, app.ApplicationID),
			ApplicationID: app.ApplicationID,
		}

		for _, dev := range app.Devices {
			devFolder := DeviceFolder{
				NodeID:     types.DeviceNodeID(dev.DeviceID),
				BrowseName: browseName(dev.DeviceName, dev.DeviceID),
				DeviceID:   dev.DeviceID,
			}

			for _, m := range dev.Metrics {
				devFolder.Variables = append(devFolder.Variables, Variable{
					NodeID:       types.MetricNodeID(dev.DeviceID, m.Name),
					BrowseName:   m.Name,
					DeviceID:     dev.DeviceID,
					UpstreamName: m.ChirpstackName,
					Kind:         m.ParsedKind(),
					Unit:         m.Unit,
					Writable:     m.Writable,
					Command:      m.Command,
				})
			}
			folder.Devices = append(folder.Devices, devFolder)
		}
		space.Applications = append(space.Applications, folder)
	}

	return space
}

// Variables returns all variables across the space in configuration order.
func (s *Space) Variables() []Variable {
	var out []Variable
	for _, app := range s.Applications {
		for _, dev := range app.Devices {
			out = append(out, dev.Variables...)
		}
	}
	return out
}

// browseName prefers the configured display name, falling back to the
// upstream identifier.
func browseName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
