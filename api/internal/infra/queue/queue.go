// Package queue carries task ids from the submission path to the dispatcher
// workers.
package queue

import "errors"

var ErrClosed = errors.New("queue closed")

// Message is one delivery of a task id. Ack confirms processing; Nak asks for
// redelivery.
type Message interface {
	TaskID() string
	Ack() error
	Nak() error
}
