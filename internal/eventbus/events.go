package eventbus

// Topic names one kind of event.
type Topic string

const (
	TopicDelivered      Topic = "delivery.sent"
	TopicDeliveryFailed Topic = "delivery.failed"
	TopicWarning        Topic = "relay.warning"
	TopicDeregistered   Topic = "relay.deregistered"
	TopicPollFinished   Topic = "relay.poll_finished"
	TopicAccountError   Topic = "relay.account_error"
)

// Payload is an event body. Each payload type belongs to exactly one topic.
type Payload interface {
	Topic() Topic
}

// Delivered: a message reached the user's chat.
type Delivered struct {
	UserID int64
	ChatID int64
}

// DeliveryFailed: a message could not be delivered after all retries.
type DeliveryFailed struct {
	UserID int64
	ChatID int64
	Error  string
}

// Warning: a cooled-down warning was due; Sent tells whether it went out.
type Warning struct {
	Key  string
	Sent bool
}

// Deregistered: an account was deleted after too many failed cycles.
type Deregistered struct {
	CharacterID int64
	UserID      int64
}

// PollFinished: one poll tick completed.
type PollFinished struct {
	Poller   string
	RunID    string
	Phase    int
	Accounts int
	Seconds  float64
}

// AccountError: polling one account failed.
type AccountError struct {
	Poller      string
	CharacterID int64
	Class       string
}

func (Delivered) Topic() Topic      { return TopicDelivered }
func (DeliveryFailed) Topic() Topic { return TopicDeliveryFailed }
func (Warning) Topic() Topic        { return TopicWarning }
func (Deregistered) Topic() Topic   { return TopicDeregistered }
func (PollFinished) Topic() Topic   { return TopicPollFinished }
func (AccountError) Topic() Topic   { return TopicAccountError }
