package outbox

// Event is the domain event envelope written to the outbox table.
// The topic (Kafka) or routing key (AMQP) equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const AggregateRequest = "appointment_request"
