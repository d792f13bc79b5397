package mqtt

import (
	"fmt"
	"strings"
)

// ExchangeTopic maps an exchange in a virtual host to its MQTT topic:
// "<vhost>/<exchange>", or just the exchange for the root vhost
func ExchangeTopic(vhost, exchange string) string {
	prefix := strings.Trim(vhost, "/")
	if prefix == "" {
		return exchange
	}
	return prefix + "/" + exchange
}

// ValidateTopicFilter validates a subscription topic filter
func ValidateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		// Leading and trailing slashes produce empty edge segments
		if segment == "" && i != 0 && i != len(segments)-1 {
			return fmt.Errorf("empty segment not allowed in middle of topic")
		}

		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("+ wildcard must occupy entire segment")
		}
	}

	return nil
}

// ValidateTopicName validates a publish topic name
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("wildcards not allowed in topic names")
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if segment == "" && i != 0 && i != len(segments)-1 {
			return fmt.Errorf("empty segment not allowed in middle of topic")
		}
	}

	return nil
}
