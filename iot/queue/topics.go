package queue

import "strings"

const topicNamespace = "queue"

// DefaultTenant is the tenant of a single clinic deployment
const DefaultTenant = "clinic/default"

// IncomingTopic returns the topic a device publishes its events to
func IncomingTopic(tenant, deviceID string) string {
	return topicNamespace + "/" + tenant + "/incoming/" + deviceID
}

// UpdatesTopic returns the broadcast topic carrying queue snapshots for a tenant
func UpdatesTopic(tenant string) string {
	return topicNamespace + "/" + tenant + "/updates"
}

// DeviceFromIncomingTopic extracts the device ID from an incoming topic of the tenant.
// It returns false if the topic does not belong to the tenant's incoming tree or if the
// remainder is not a single topic level.
func DeviceFromIncomingTopic(tenant, topic string) (string, bool) {
	prefix := topicNamespace + "/" + tenant + "/incoming/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	deviceID := strings.TrimPrefix(topic, prefix)
	if len(deviceID) == 0 || strings.ContainsAny(deviceID, "/+#") {
		return "", false
	}
	return deviceID, true
}

// ValidTenant reports whether tenant can be embedded into a topic: it must be non-empty,
// must not start or end with a slash and must not contain wildcards or empty levels.
func ValidTenant(tenant string) bool {
	if len(tenant) == 0 || strings.ContainsAny(tenant, "+#") {
		return false
	}
	for _, level := range strings.Split(tenant, "/") {
		if len(level) == 0 {
			return false
		}
	}
	return true
}

// ValidDeviceID reports whether deviceID can be used as a single topic level
func ValidDeviceID(deviceID string) bool {
	return len(deviceID) > 0 && !strings.ContainsAny(deviceID, "/+#")
}
