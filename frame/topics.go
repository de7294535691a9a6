package frame

// Topic layout for one widget instantiation. Contexts publish requests and
// control messages to the host topic; the router answers on the shared
// response topic and contexts filter by correlation id; each context also
// listens on its own topic for host-initiated messages.

// HostTopic is where contexts address the host.
func HostTopic(instanceID string) string {
	return "widget/" + instanceID + "/host"
}

// ResponseTopic is where the host publishes responses for contexts.
func ResponseTopic(instanceID string) string {
	return "widget/" + instanceID + "/responses"
}

// ContextTopic is a context's private inbound topic.
func ContextTopic(instanceID string, kind Kind) string {
	return "widget/" + instanceID + "/" + string(kind)
}
