package gep

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unusedPort reserves and releases a port so connection attempts
// against it fail fast.
func unusedPort(t *testing.T) uint16 {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, listener.Close())

	return port
}

func TestConnectorDefaults(t *testing.T) {
	c := NewConnector()

	assert.Equal(t, int32(-1), c.MaxRetries())
	assert.Equal(t, int32(2000), c.RetryInterval())
	assert.True(t, c.AutoReconnect())
}

func TestConnectorRetriesAndGivesUp(t *testing.T) {
	c := NewConnector()
	c.SetHostname("127.0.0.1")
	c.SetPort(unusedPort(t))
	c.SetMaxRetries(3)
	c.SetRetryInterval(10)

	var mu sync.Mutex
	var failures []string
	c.RegisterErrorMessageCallback(func(message string) {
		mu.Lock()
		failures = append(failures, message)
		mu.Unlock()
	})

	sub := NewSubscriber()
	connected := c.Connect(sub)

	assert.False(t, connected)
	assert.False(t, sub.IsConnected())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, failures[0], "Failed to connect to")
}

func TestConnectorCancelStopsRetrying(t *testing.T) {
	c := NewConnector()
	c.SetHostname("127.0.0.1")
	c.SetPort(unusedPort(t))
	c.SetMaxRetries(-1)
	c.SetRetryInterval(20)

	sub := NewSubscriber()

	done := make(chan bool, 1)
	go func() {
		done <- c.Connect(sub)
	}()

	time.Sleep(60 * time.Millisecond)
	c.Cancel()

	select {
	case connected := <-done:
		assert.False(t, connected)
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not stop the retry loop")
	}
}

func TestConnectorConnectsAndSucceeds(t *testing.T) {
	p := newMockPublisher(t)

	go func() {
		conn := p.accept()
		readFrame(t, conn)
	}()

	c := NewConnector()
	c.SetHostname("127.0.0.1")
	c.SetPort(p.port())
	c.SetMaxRetries(3)
	c.SetRetryInterval(10)

	sub := NewSubscriber()
	defer sub.Disconnect()

	assert.True(t, c.Connect(sub))
	assert.True(t, sub.IsConnected())
}

// Dropping the connection re-enters the retry loop: the connector
// announces the termination, reconnects, and fires the user's
// reconnect callback.
func TestConnectorAutoReconnect(t *testing.T) {
	p := newMockPublisher(t)

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn := p.accept()
			readFrame(t, conn)
			accepted <- conn
		}
	}()

	c := NewConnector()
	c.SetHostname("127.0.0.1")
	c.SetPort(p.port())
	c.SetMaxRetries(10)
	c.SetRetryInterval(10)
	c.SetAutoReconnect(true)

	var mu sync.Mutex
	var notices []string
	c.RegisterErrorMessageCallback(func(message string) {
		mu.Lock()
		notices = append(notices, message)
		mu.Unlock()
	})

	reconnected := make(chan struct{}, 1)
	c.RegisterReconnectCallback(func(sub *Subscriber) {
		reconnected <- struct{}{}
	})

	sub := NewSubscriber()
	defer sub.Disconnect()

	require.True(t, c.Connect(sub))

	first := <-accepted

	// Publisher drops the connection
	_ = first.Close()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect callback never fired")
	}

	assert.True(t, sub.IsConnected())

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, notice := range notices {
		if notice == "Publisher connection terminated. Attempting to reconnect..." {
			found = true
		}
	}
	assert.True(t, found, "termination notice missing: %v", notices)
}

// A user-initiated disconnect cancels the connector so no reconnect
// sequence follows.
func TestUserDisconnectCancelsConnector(t *testing.T) {
	p := newMockPublisher(t)

	go func() {
		conn := p.accept()
		readFrame(t, conn)
	}()

	c := NewConnector()
	c.SetHostname("127.0.0.1")
	c.SetPort(p.port())
	c.SetMaxRetries(3)
	c.SetRetryInterval(10)

	sub := NewSubscriber()
	require.True(t, c.Connect(sub))

	sub.Disconnect()

	assert.True(t, c.cancelled.Load(), "user disconnect must cancel the connector")
	assert.False(t, sub.IsConnected())
}
