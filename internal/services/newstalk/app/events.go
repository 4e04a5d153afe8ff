package server

// event is the closed set of inputs to the gateway loop.
type event interface {
	isEvent()
}

type connectEvent struct {
	client *client
	reply  chan<- bool
}

type disconnectEvent struct {
	client *client
}

type sendMessageEvent struct {
	client  *client
	payload sendMessagePayload
	body    string
}

type reassignRequestEvent struct {
	client *client
}

type channelDeliveryEvent struct {
	message ChatMessage
}

func (connectEvent) isEvent()         {}
func (disconnectEvent) isEvent()      {}
func (sendMessageEvent) isEvent()     {}
func (reassignRequestEvent) isEvent() {}
func (channelDeliveryEvent) isEvent() {}
