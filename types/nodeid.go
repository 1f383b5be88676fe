package types

import "fmt"

// Node-id construction for the OPC UA address space. Identifiers are pure
// functions of configuration identifiers so external SCADA projects can
// hardcode references across gateway restarts.

// ApplicationNodeID returns the string node identifier of an application
// folder.
func ApplicationNodeID(applicationID string) string {
	return fmt.Sprintf("app:%s", applicationID)
}

// DeviceNodeID returns the string node identifier of a device folder.
func DeviceNodeID(deviceID string) string {
	return fmt.Sprintf("dev:%s", deviceID)
}

// MetricNodeID returns the string node identifier of a metric variable.
// The alias, not the upstream metric name, participates in the identifier:
// it is the stable, operator-chosen name.
func MetricNodeID(deviceID, metricAlias string) string {
	return fmt.Sprintf("var:%s/%s", deviceID, metricAlias)
}
