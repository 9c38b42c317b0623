package packet

import "github.com/fluxmq/broker/internal/packet/utils"

// IsValidTopicFilter reports whether filter is a well-formed SUBSCRIBE
// topic filter (wildcards allowed, placement rules enforced).
func IsValidTopicFilter(filter string) bool {
	return utils.ValidateTopicFilter(filter) == nil
}

// IsValidTopicName reports whether name is a well-formed PUBLISH topic
// name (no wildcards).
func IsValidTopicName(name string) bool {
	return utils.ValidateTopicName(name) == nil
}

// TopicMatches reports whether topicName matches topicFilter.
func TopicMatches(topicFilter, topicName string) bool {
	return utils.TopicMatches(topicFilter, topicName)
}
