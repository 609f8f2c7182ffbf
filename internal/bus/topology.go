package bus

const (
	ExchangeMessages      = "Messages"
	ExchangeNotifications = "Notifications"
	ExchangeDocuments     = "Documents"
)

const (
	MessageCreated        = "message.created"
	MessageEdited         = "message.edited"
	MessageDeleted        = "message.deleted"
	NotificationRequested = "notification.requested"
	DocumentApproved      = "document.approved"
	DocumentRejected      = "document.rejected"
)

const (
	QueueRealtimeMessageCreated = "realtime.message.created"
	QueueRealtimeMessageEdited  = "realtime.message.edited"
	QueueRealtimeMessageDeleted = "realtime.message.deleted"
	QueueSearchMessageCreated   = "search.message.created"
	QueueSearchMessageEdited    = "search.message.edited"
	QueueSearchMessageDeleted   = "search.message.deleted"
	QueueNotifierMessageCreated = "notifier.message.created"
	QueueNotifierRequested      = "notifier.notification.requested"
	QueueRealtimeDocApproved    = "realtime.document.approved"
	QueueRealtimeDocRejected    = "realtime.document.rejected"
)

// Binding attaches a durable queue to an exchange and routing key.
type Binding struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

func (b Binding) Stream() string {
	return StreamName(b.Exchange, b.RoutingKey)
}

// streams lists what the queue reads: the shared exchange stream and its own
// retry stream.
func (b Binding) streams() []string {
	return []string{b.Stream(), RetryStreamName(b.Queue)}
}

func StreamName(exchange, routingKey string) string {
	return "bus:" + exchange + ":" + routingKey
}

// RetryStreamName holds entries requeued for a single queue so retries are
// not redelivered to the other queues bound to the same routing key.
func RetryStreamName(queue string) string {
	return "bus:retry:" + queue
}

func DeadLetterStreamName(queue string) string {
	return "bus:dlq:" + queue
}

// Topology lists every binding the service declares on connect.
func Topology() []Binding {
	return []Binding{
		{ExchangeMessages, MessageCreated, QueueRealtimeMessageCreated},
		{ExchangeMessages, MessageEdited, QueueRealtimeMessageEdited},
		{ExchangeMessages, MessageDeleted, QueueRealtimeMessageDeleted},
		{ExchangeMessages, MessageCreated, QueueSearchMessageCreated},
		{ExchangeMessages, MessageEdited, QueueSearchMessageEdited},
		{ExchangeMessages, MessageDeleted, QueueSearchMessageDeleted},
		{ExchangeMessages, MessageCreated, QueueNotifierMessageCreated},
		{ExchangeNotifications, NotificationRequested, QueueNotifierRequested},
		{ExchangeDocuments, DocumentApproved, QueueRealtimeDocApproved},
		{ExchangeDocuments, DocumentRejected, QueueRealtimeDocRejected},
	}
}

// BindingFor looks up a declared binding by queue name.
func BindingFor(queue string) (Binding, bool) {
	for _, binding := range Topology() {
		if binding.Queue == queue {
			return binding, true
		}
	}
	return Binding{}, false
}
