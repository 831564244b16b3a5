package mqtt

import (
	"strings"
)

// TopicPrefixMeters is the base of meter reading topics. Meters publish
// either on their own topic (energy/meters/<id>) or on the shared prefix
// itself with the id in the payload.
const TopicPrefixMeters = "energy/meters"

// TopicPrefixStatus is where service online/offline status is retained.
const TopicPrefixStatus = "energy/status"

// MeterTopic returns the topic a meter publishes its readings on.
func MeterTopic(deviceID string) string {
	return TopicPrefixMeters + "/" + deviceID
}

// StatusTopic returns the retained status topic of a client.
func StatusTopic(clientID string) string {
	return TopicPrefixStatus + "/" + clientID
}

// DeviceFromTopic extracts the meter id from a per-device topic. It returns
// false for the shared topic and for topics outside the meter prefix.
func DeviceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixMeters+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
