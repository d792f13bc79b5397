package nats

import (
	"fmt"
	"strings"
)

// ToNATSSubject converts a slash separated path to NATS subject format.
// MQTT style +/# wildcards become */>.
func ToNATSSubject(path string) string {
	subject := strings.ReplaceAll(path, "+", "*")
	subject = strings.ReplaceAll(subject, "#", ">")
	subject = strings.ReplaceAll(subject, "/", ".")
	return subject
}

// NormalizeSubject replaces characters NATS does not allow in a subject token
func NormalizeSubject(subject string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		",", "_",
		":", "_",
		"?", "_",
		"[", "_",
		"]", "_",
	)
	return replacer.Replace(subject)
}

// ExchangeSubject maps an exchange in a virtual host to the subject it is
// published on: "<vhost>.<exchange>", or just the exchange for the root vhost
func ExchangeSubject(vhost, exchange string) string {
	name := NormalizeSubject(strings.ReplaceAll(exchange, ".", "_"))
	prefix := strings.Trim(vhost, "/")
	if prefix == "" {
		return name
	}
	return NormalizeSubject(ToNATSSubject(prefix)) + "." + name
}

// ValidateVHost rejects virtual host names that would turn into wildcard or
// empty subject tokens
func ValidateVHost(vhost string) error {
	if strings.ContainsAny(vhost, "*>+#") {
		return fmt.Errorf("virtual host %q contains wildcard characters", vhost)
	}
	if strings.Contains(strings.Trim(vhost, "/"), "//") {
		return fmt.Errorf("virtual host %q contains an empty segment", vhost)
	}
	return nil
}
