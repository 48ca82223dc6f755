package messaging

// Subject and stream names used for broker delivery.
// Subjects follow {domain}.{action}.{resource}.
const (
	SubjectDeliveryPrefix = "courier.delivery"
	StreamDelivery        = "COURIER_DELIVERY"
)

// HeaderContentEncoding is set on delivered messages.
const HeaderContentEncoding = "Content-Encoding"

// DeliverySubject returns the subject for payloads bound to endpoint.
// Example: courier.delivery.logs
func DeliverySubject(endpoint string) string {
	return SubjectDeliveryPrefix + "." + endpoint
}

// DeliverySubjects returns the wildcard captured by the delivery stream.
func DeliverySubjects() []string {
	return []string{SubjectDeliveryPrefix + ".>"}
}
