package transport

import (
	"context"
	"net"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNATSServer(t *testing.T) string {
	t.Helper()
	return startNATSServer(t, natsserver.RANDOM_PORT).ClientURL()
}

func startNATSServer(t *testing.T, port int) *natsserver.Server {
	t.Helper()

	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	server.Start()
	t.Cleanup(server.Shutdown)

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("failed to start server after 5 seconds")
	}
	return server
}

func TestNATSReconnect(t *testing.T) {
	first := startNATSServer(t, natsserver.RANDOM_PORT)
	port := first.Addr().(*net.TCPAddr).Port
	url := first.ClientURL()

	tr := NewNATSTransport(NATSConfig{URL: url, Name: "agent", ReconnectInterval: 20 * time.Millisecond})
	received := make(chan Message, 1)
	require.NoError(t, tr.Subscribe("device/+/command", func(msg Message) {
		select {
		case received <- msg:
		default:
		}
	}))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	first.Shutdown()
	first.WaitForShutdown()
	require.Eventually(t, func() bool { return !tr.IsConnected() }, 5*time.Second, 10*time.Millisecond)

	startNATSServer(t, port)
	require.Eventually(t, tr.IsConnected, 5*time.Second, 10*time.Millisecond)

	t.Run("Subscribe survives server restart - Passed", func(t *testing.T) {
		sender := NewNATSTransport(NATSConfig{URL: url, Name: "sender"})
		require.NoError(t, sender.Connect(context.Background()))
		defer sender.Close()

		// interest is restored asynchronously after the reconnect handshake
		require.Eventually(t, func() bool {
			if err := sender.Publish(context.Background(), "device/rpi1/command", []byte(`{"command":"uptime"}`)); err != nil {
				return false
			}
			select {
			case msg := <-received:
				assert.Equal(t, "device/rpi1/command", msg.Topic)
				return true
			case <-time.After(100 * time.Millisecond):
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestNATSTransport(t *testing.T) {
	url := newNATSServer(t)

	t.Run("Subscribe before Connect - Passed", func(t *testing.T) {
		tr := NewNATSTransport(NATSConfig{URL: url, Name: "test"})

		received := make(chan Message, 1)
		require.NoError(t, tr.Subscribe("device/+/result", func(msg Message) { received <- msg }))
		require.NoError(t, tr.Connect(context.Background()))
		defer tr.Close()

		require.NoError(t, tr.Publish(context.Background(), "device/dev1/result", []byte(`{"ok":true}`)))

		select {
		case msg := <-received:
			assert.Equal(t, "device/dev1/result", msg.Topic)
			assert.JSONEq(t, `{"ok":true}`, string(msg.Payload))
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("Presence online - Passed", func(t *testing.T) {
		watcher := NewNATSTransport(NATSConfig{URL: url, Name: "watcher"})
		require.NoError(t, watcher.Connect(context.Background()))
		defer watcher.Close()

		statuses := make(chan Message, 2)
		require.NoError(t, watcher.Subscribe("device/agent1/status", func(msg Message) { statuses <- msg }))

		tr := NewNATSTransport(NATSConfig{
			URL:      url,
			Name:     "agent",
			Presence: Presence{Topic: "device/{device_id}/status", DeviceID: "agent1"},
		})
		require.NoError(t, tr.Connect(context.Background()))
		require.NoError(t, tr.Close())

		for _, want := range []string{`"online"`, `"offline"`} {
			select {
			case msg := <-statuses:
				assert.Contains(t, string(msg.Payload), want)
			case <-time.After(2 * time.Second):
				t.Fatalf("presence %s not delivered", want)
			}
		}
	})

	t.Run("Connect - Failed (retries exhausted)", func(t *testing.T) {
		tr := NewNATSTransport(NATSConfig{
			URL:               "nats://127.0.0.1:1",
			ConnectAttempts:   2,
			ReconnectInterval: 10 * time.Millisecond,
			Timeout:           200 * time.Millisecond,
		})
		err := tr.Connect(context.Background())
		assert.ErrorIs(t, err, ErrConnection)
	})

	t.Run("Publish - Failed (not connected)", func(t *testing.T) {
		tr := NewNATSTransport(NATSConfig{URL: url})
		assert.ErrorIs(t, tr.Publish(context.Background(), "a/b", nil), ErrPublish)
	})
}
