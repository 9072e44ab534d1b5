package errors

import (
	"context"
	sterrors "errors"
	"io"
	"net"
	"os"
	"syscall"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConfigRequired        = sterrors.New("rabbitmq: configuration is required")
	ErrConnectionRequired    = sterrors.New("rabbitmq: connection is required")
	ErrLoggerRequired        = sterrors.New("rabbitmq: logger is required")
	ErrEventRequired         = sterrors.New("rabbitmq: event is required")
	ErrExchangeRequired      = sterrors.New("rabbitmq: no exchange configured")
	ErrInvalidConfirmTimeout = sterrors.New("rabbitmq: invalid confirm timeout")
	ErrInvalidProperty       = sterrors.New("rabbitmq: invalid message property")
	ErrOutputClosed          = sterrors.New("rabbitmq: output is closed")

	// Transient broker conditions. Publishing retries on all of them.
	ErrConfirmNack      = sterrors.New("rabbitmq: broker rejected the publish (nack)")
	ErrConfirmTimeout   = sterrors.New("rabbitmq: no publish confirmation within the confirm interval")
	ErrChannelClosed    = sterrors.New("rabbitmq: channel is already closed")
	ErrConnectionClosed = sterrors.New("rabbitmq: connection is not open")
	ErrOperationTimeout = sterrors.New("rabbitmq: broker operation timed out")
)

// ConfigValidationError wraps configuration problems reported at startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "rabbitmq: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Category partitions publish failures by how the retry loop treats them.
type Category string

const (
	CategoryNone         Category = "none"
	CategoryFatal        Category = "fatal"
	CategoryTransient    Category = "transient"
	CategoryUnclassified Category = "unclassified"
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient flags err as retriable. Collaborators that are not built on
// amqp091 use it to opt their own failures into the retry loop.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

var fatal = []error{
	ErrConfigRequired,
	ErrConnectionRequired,
	ErrEventRequired,
	ErrExchangeRequired,
	ErrInvalidConfirmTimeout,
	ErrInvalidProperty,
	ErrOutputClosed,
}

var transient = []error{
	ErrConfirmNack,
	ErrConfirmTimeout,
	ErrChannelClosed,
	ErrConnectionClosed,
	ErrOperationTimeout,
	os.ErrDeadlineExceeded,
	io.EOF,
	io.ErrUnexpectedEOF,
	io.ErrClosedPipe,
	net.ErrClosed,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// Classify reports how the publish loop must react to err.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	// The caller gave up; context.DeadlineExceeded also satisfies net.Error.
	if sterrors.Is(err, context.Canceled) || sterrors.Is(err, context.DeadlineExceeded) {
		return CategoryUnclassified
	}

	var cfgErr ConfigValidationError
	if sterrors.As(err, &cfgErr) {
		return CategoryFatal
	}
	for _, target := range fatal {
		if sterrors.Is(err, target) {
			return CategoryFatal
		}
	}

	var marked *transientError
	if sterrors.As(err, &marked) {
		return CategoryTransient
	}

	// Connection and channel exceptions raised by the protocol, ErrClosed included.
	var amqpErr *amqp091.Error
	if sterrors.As(err, &amqpErr) {
		return CategoryTransient
	}

	for _, target := range transient {
		if sterrors.Is(err, target) {
			return CategoryTransient
		}
	}

	var netErr net.Error
	if sterrors.As(err, &netErr) {
		return CategoryTransient
	}

	return CategoryUnclassified
}

// IsTransient reports whether the publish loop should retry after err.
func IsTransient(err error) bool {
	return Classify(err) == CategoryTransient
}
