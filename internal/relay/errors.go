package relay

import "errors"

var (
	// ErrMalformedMessage is returned when an inbound frame is not a JSON
	// object or carries no type discriminator.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownConnection is returned when an operation references a
	// connection id that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrUnknownTransfer is returned when an operation references a transfer
	// id with no active state.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrDuplicateTransfer is returned when a backup command reuses the id of
	// a transfer that is still tracked.
	ErrDuplicateTransfer = errors.New("duplicate transfer")

	// ErrInvalidTransition is returned when a lifecycle message arrives for a
	// transfer in a state that does not accept it.
	ErrInvalidTransition = errors.New("invalid transfer state transition")

	// ErrDeliveryFailure is returned when a message could not be handed to a
	// recipient. It never invalidates the recipient's registry entry.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrMaterialization is returned when a completed transfer could not be
	// decoded or written as an artifact.
	ErrMaterialization = errors.New("materialization failure")

	// ErrChunkTooLarge is returned when a chunk exceeds the configured ceiling.
	ErrChunkTooLarge = errors.New("chunk exceeds size ceiling")
)
