package messaging

import (
	"errors"
	"fmt"
	"net"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	// ErrBrokerUnreachable matches every BrokerUnreachableError via errors.Is.
	ErrBrokerUnreachable = errors.New("mqtt broker unreachable")
	// ErrNotConnected is returned by operations that need a live broker connection.
	ErrNotConnected = errors.New("mqtt client is not connected")
	// ErrConnectionLost is returned by Run when the broker connection drops.
	ErrConnectionLost = errors.New("mqtt connection lost")
	// ErrConnectTimeout is the cause recorded when the broker does not answer in time.
	ErrConnectTimeout = errors.New("timed out waiting for broker")
)

// BrokerUnreachableError reports that the broker could not be reached at all.
// It is the only connect failure the process tolerates; every other failure
// is returned as a plain error.
type BrokerUnreachableError struct {
	Broker string
	Err    error
}

func (e *BrokerUnreachableError) Error() string {
	return fmt.Sprintf("mqtt broker %s unreachable: %v", e.Broker, e.Err)
}

func (e *BrokerUnreachableError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrBrokerUnreachable) succeed.
func (e *BrokerUnreachableError) Is(target error) bool {
	return target == ErrBrokerUnreachable
}

// classifyConnectError separates transport level failures from broker refusals.
func classifyConnectError(broker string, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, packets.ErrorNetworkError),
		errors.Is(err, packets.ErrorRefusedServerUnavailable),
		errors.Is(err, ErrConnectTimeout):
		return &BrokerUnreachableError{Broker: broker, Err: err}
	default:
		return fmt.Errorf("connect to mqtt broker %s: %w", broker, err)
	}
}
