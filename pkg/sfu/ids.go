package sfu

import "github.com/google/uuid"

// RouterID identifies a router inside a worker.
type RouterID struct{ uuid.UUID }

// TransportID identifies a transport inside a router.
type TransportID struct{ uuid.UUID }

// ProducerID identifies a producer inside a router.
type ProducerID struct{ uuid.UUID }

// ConsumerID identifies a consumer inside a router.
type ConsumerID struct{ uuid.UUID }

// DataProducerID identifies a data producer inside a router.
type DataProducerID struct{ uuid.UUID }

// DataConsumerID identifies a data consumer inside a router.
type DataConsumerID struct{ uuid.UUID }

// RtpObserverID identifies an RTP observer inside a router.
type RtpObserverID struct{ uuid.UUID }

func newRouterID() RouterID             { return RouterID{uuid.New()} }
func newTransportID() TransportID       { return TransportID{uuid.New()} }
func newProducerID() ProducerID         { return ProducerID{uuid.New()} }
func newConsumerID() ConsumerID         { return ConsumerID{uuid.New()} }
func newDataProducerID() DataProducerID { return DataProducerID{uuid.New()} }
func newDataConsumerID() DataConsumerID { return DataConsumerID{uuid.New()} }
func newRtpObserverID() RtpObserverID   { return RtpObserverID{uuid.New()} }

// ParseProducerID parses the textual form of a producer id.
func ParseProducerID(s string) (ProducerID, error) {
	id, err := uuid.Parse(s)
	return ProducerID{id}, err
}

// ParseDataProducerID parses the textual form of a data producer id.
func ParseDataProducerID(s string) (DataProducerID, error) {
	id, err := uuid.Parse(s)
	return DataProducerID{id}, err
}
