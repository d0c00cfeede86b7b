package sfu

// Address chains identifying a resource inside the worker. Each carries
// copies of its ancestors' identities.

type routerInternal struct {
	RouterID RouterID `json:"routerId"`
}

type transportInternal struct {
	RouterID    RouterID    `json:"routerId"`
	TransportID TransportID `json:"transportId"`
}

type producerInternal struct {
	RouterID    RouterID    `json:"routerId"`
	TransportID TransportID `json:"transportId"`
	ProducerID  ProducerID  `json:"producerId"`
}

type consumerInternal struct {
	RouterID    RouterID    `json:"routerId"`
	TransportID TransportID `json:"transportId"`
	ConsumerID  ConsumerID  `json:"consumerId"`
	ProducerID  ProducerID  `json:"producerId"`
}

type dataProducerInternal struct {
	RouterID       RouterID       `json:"routerId"`
	TransportID    TransportID    `json:"transportId"`
	DataProducerID DataProducerID `json:"dataProducerId"`
}

type dataConsumerInternal struct {
	RouterID       RouterID       `json:"routerId"`
	TransportID    TransportID    `json:"transportId"`
	DataConsumerID DataConsumerID `json:"dataConsumerId"`
	DataProducerID DataProducerID `json:"dataProducerId"`
}

type rtpObserverInternal struct {
	RouterID      RouterID      `json:"routerId"`
	RtpObserverID RtpObserverID `json:"rtpObserverId"`
}
