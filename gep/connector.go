package gep

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/atomic"
)

// Connector wraps a Subscriber with a bounded retry loop and, when
// enabled, automatic reconnection after peer-initiated termination.
// The connector owns the subscriber handle; the subscriber only ever
// signals back through the hooks registered here.
type Connector struct {
	errorMessageCallback MessageCallback
	reconnectCallback    func(subscriber *Subscriber)

	hostname      string
	port          uint16
	maxRetries    int32
	retryInterval int32
	autoReconnect bool

	cancelled *atomic.Bool
}

// NewConnector returns a connector with infinite retries at 2 second
// intervals and auto-reconnect enabled.
func NewConnector() *Connector {
	return &Connector{
		maxRetries:    -1,
		retryInterval: 2000,
		autoReconnect: true,
		cancelled:     atomic.NewBool(false),
	}
}

// RegisterErrorMessageCallback installs the callback invoked each time
// a connection attempt fails and when a reconnect sequence begins.
func (c *Connector) RegisterErrorMessageCallback(cb MessageCallback) {
	c.errorMessageCallback = cb
}

// RegisterReconnectCallback installs the callback invoked after an
// automatic reconnection attempt has completed.
func (c *Connector) RegisterReconnectCallback(cb func(subscriber *Subscriber)) {
	c.reconnectCallback = cb
}

// SetHostname sets the publisher host to connect to.
func (c *Connector) SetHostname(hostname string) { c.hostname = hostname }

// Hostname returns the publisher host.
func (c *Connector) Hostname() string { return c.hostname }

// SetPort sets the publisher command channel port.
func (c *Connector) SetPort(port uint16) { c.port = port }

// Port returns the publisher command channel port.
func (c *Connector) Port() uint16 { return c.port }

// SetMaxRetries sets the retry bound for one connection sequence;
// -1 retries forever.
func (c *Connector) SetMaxRetries(maxRetries int32) { c.maxRetries = maxRetries }

// MaxRetries returns the retry bound.
func (c *Connector) MaxRetries() int32 { return c.maxRetries }

// SetRetryInterval sets the idle time between attempts, in milliseconds.
func (c *Connector) SetRetryInterval(retryInterval int32) { c.retryInterval = retryInterval }

// RetryInterval returns the idle time between attempts, in milliseconds.
func (c *Connector) RetryInterval() int32 { return c.retryInterval }

// SetAutoReconnect controls whether a dropped connection re-enters the
// retry loop.
func (c *Connector) SetAutoReconnect(autoReconnect bool) { c.autoReconnect = autoReconnect }

// AutoReconnect reports whether automatic reconnection is enabled.
func (c *Connector) AutoReconnect() bool { return c.autoReconnect }

// ConnectWith assigns the subscription parameters and begins the
// connection sequence.
func (c *Connector) ConnectWith(subscriber *Subscriber, info SubscriptionInfo) bool {
	subscriber.SetSubscriptionInfo(info)
	return c.Connect(subscriber)
}

// Connect runs the connection sequence: up to maxRetries attempts with
// retryInterval pauses, until the subscriber connects or Cancel is
// called. Returns the subscriber's connection state.
func (c *Connector) Connect(subscriber *Subscriber) bool {
	if c.autoReconnect {
		subscriber.RegisterAutoReconnectCallback(func() {
			c.autoReconnectHandler(subscriber)
		})
	}
	subscriber.registerConnectorCancel(c.Cancel)

	c.cancelled.Store(false)

	for i := int32(0); !c.cancelled.Load() && (c.maxRetries == -1 || i < c.maxRetries); i++ {
		err := subscriber.Connect(c.hostname, c.port)
		if err == nil {
			break
		}

		if c.errorMessageCallback != nil {
			address := net.JoinHostPort(c.hostname, strconv.Itoa(int(c.port)))
			message := fmt.Sprintf("Failed to connect to %q: %v", address, err)

			// Notify off the connecting goroutine so a slow callback
			// cannot stretch the retry cadence
			go c.errorMessageCallback(message)
		}

		time.Sleep(time.Duration(c.retryInterval) * time.Millisecond)
	}

	return subscriber.IsConnected()
}

// Cancel stops the current connection sequence. The next Connect call
// clears the flag and starts a fresh sequence.
func (c *Connector) Cancel() {
	c.cancelled.Store(true)
}

// autoReconnectHandler runs from the subscriber's disconnect path when
// the publisher dropped the connection.
func (c *Connector) autoReconnectHandler(subscriber *Subscriber) {
	if !c.cancelled.Load() && c.errorMessageCallback != nil {
		c.errorMessageCallback("Publisher connection terminated. Attempting to reconnect...")
	}

	c.Connect(subscriber)

	if !c.cancelled.Load() && c.reconnectCallback != nil {
		c.reconnectCallback(subscriber)
	}
}
