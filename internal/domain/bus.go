package domain

// MessageBus routes inbound platform messages to the hub and outbound events
// from the hub to bridges.
type MessageBus interface {
	// Publish queues an inbound message for the hub.
	Publish(msg InboundMessage) error
	Subscribe() <-chan InboundMessage
	SendOutbound(evt OutboundEvent)
	// OnOutbound registers the handler for a bridge, replacing any previous one.
	OnOutbound(channelName string, handler func(OutboundEvent))
	OffOutbound(channelName string)
	Close()
}
