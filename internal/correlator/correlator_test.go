package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"iot-control/internal/models"
	"iot-control/internal/transport"
)

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) SaveCommandResult(ctx context.Context, req *models.CommandRequest, result *models.CommandResult) error {
	args := m.Called(ctx, req, result)
	return args.Error(0)
}

func newConnected(t *testing.T) *transport.MemoryTransport {
	t.Helper()
	tr := transport.NewMemoryTransport(transport.Presence{})
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

// echoDevice answers every command on device/<id>/command with a successful result
func echoDevice(t *testing.T, tr transport.Transport, deviceID string, delay time.Duration) {
	t.Helper()
	require.NoError(t, tr.Subscribe("device/"+deviceID+"/command", func(msg transport.Message) {
		var req models.CommandRequest
		require.NoError(t, json.Unmarshal(msg.Payload, &req))

		go func() {
			time.Sleep(delay)
			payload, _ := json.Marshal(models.CommandResult{
				CommandID: req.CommandID,
				DeviceID:  deviceID,
				Success:   true,
				Output:    "ran: " + req.Command,
				Timestamp: models.NewTimestamp(time.Now()),
			})
			_ = tr.Publish(context.Background(), "device/"+deviceID+"/result", payload)
		}()
	}))
}

func TestExecute(t *testing.T) {
	t.Run("Execute - Passed (result arrives)", func(t *testing.T) {
		tr := newConnected(t)
		recorder := new(MockRecorder)
		recorder.On("SaveCommandResult", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		c := New(tr, Config{}, recorder)
		require.NoError(t, c.Start())
		echoDevice(t, tr, "rpi1", 0)

		result, err := c.Execute(context.Background(), "rpi1", "uptime", 10*time.Second, time.Second)

		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "ran: uptime", result.Output)
		assert.Equal(t, "rpi1", result.DeviceID)
		assert.Equal(t, 0, c.Pending())
		recorder.AssertNumberOfCalls(t, "SaveCommandResult", 1)
	})

	t.Run("Execute - Passed (wire form carries id, command and timeout)", func(t *testing.T) {
		tr := newConnected(t)
		c := New(tr, Config{}, nil)
		require.NoError(t, c.Start())

		sent := make(chan map[string]any, 1)
		require.NoError(t, tr.Subscribe("device/rpi1/command", func(msg transport.Message) {
			var raw map[string]any
			require.NoError(t, json.Unmarshal(msg.Payload, &raw))
			sent <- raw
		}))

		_, err := c.Execute(context.Background(), "rpi1", "ls -la", 30*time.Second, 50*time.Millisecond)
		require.NoError(t, err)

		raw := <-sent
		assert.NotEmpty(t, raw["command_id"])
		assert.Equal(t, "ls -la", raw["command"])
		assert.EqualValues(t, 30, raw["timeout"])
	})

	t.Run("Execute - Failed (no result before wait)", func(t *testing.T) {
		tr := newConnected(t)
		c := New(tr, Config{}, nil)
		require.NoError(t, c.Start())

		start := time.Now()
		result, err := c.Execute(context.Background(), "rpi1", "ls -la", 30*time.Second, 100*time.Millisecond)

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, TimeoutError, result.Error)
		assert.NotEmpty(t, result.CommandID)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("Execute - Passed (late result is ignored)", func(t *testing.T) {
		tr := newConnected(t)
		c := New(tr, Config{}, nil)
		require.NoError(t, c.Start())
		echoDevice(t, tr, "slow", 200*time.Millisecond)

		result, err := c.Execute(context.Background(), "slow", "sleep 1", time.Second, 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, result.Success)

		// give the late result time to arrive, it must be dropped without effect
		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("Execute - Failed (publish error leaves no slot)", func(t *testing.T) {
		tr := newConnected(t)
		tr.PublishHook = func(string, []byte) error { return errors.New("broker down") }
		c := New(tr, Config{}, nil)

		result, err := c.Execute(context.Background(), "rpi1", "ls", time.Second, time.Second)

		assert.Nil(t, result)
		assert.ErrorIs(t, err, transport.ErrPublish)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("Execute - Failed (context cancelled)", func(t *testing.T) {
		tr := newConnected(t)
		c := New(tr, Config{}, nil)
		require.NoError(t, c.Start())

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		result, err := c.Execute(ctx, "rpi1", "ls", time.Second, 5*time.Second)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "abandoned")
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("Execute - Passed (concurrent commands resolve independently)", func(t *testing.T) {
		tr := newConnected(t)
		c := New(tr, Config{}, nil)
		require.NoError(t, c.Start())

		const devices = 10
		for i := 0; i < devices; i++ {
			echoDevice(t, tr, fmt.Sprintf("dev%d", i), time.Duration(i)*5*time.Millisecond)
		}

		var wg sync.WaitGroup
		results := make([]*models.CommandResult, devices)
		for i := 0; i < devices; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := c.Execute(context.Background(), fmt.Sprintf("dev%d", i), fmt.Sprintf("cmd%d", i), time.Second, 2*time.Second)
				assert.NoError(t, err)
				results[i] = r
			}(i)
		}
		wg.Wait()

		for i, r := range results {
			require.NotNil(t, r)
			assert.True(t, r.Success)
			assert.Equal(t, fmt.Sprintf("ran: cmd%d", i), r.Output)
		}
		assert.Equal(t, 0, c.Pending())
	})
}

func TestHandleResult(t *testing.T) {
	t.Run("HandleResult - Passed (duplicate result delivered once)", func(t *testing.T) {
		c := New(transport.NewMemoryTransport(transport.Presence{}), Config{}, nil)
		slot := c.register("abc")

		payload := []byte(`{"command_id":"abc","success":true,"output":"ok","timestamp":"2024-01-02T03:04:05"}`)
		c.HandleResult(transport.Message{Topic: "device/rpi1/result", Payload: payload})
		c.HandleResult(transport.Message{Topic: "device/rpi1/result", Payload: payload})

		result := <-slot.ch
		assert.Equal(t, "rpi1", result.DeviceID)
		assert.True(t, result.Success)
		assert.Equal(t, 0, len(slot.ch))
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("HandleResult - Passed (malformed payload dropped)", func(t *testing.T) {
		c := New(transport.NewMemoryTransport(transport.Presence{}), Config{}, nil)
		c.register("abc")

		assert.NotPanics(t, func() {
			c.HandleResult(transport.Message{Topic: "device/rpi1/result", Payload: []byte("{not json")})
			c.HandleResult(transport.Message{Topic: "device/rpi1/result", Payload: []byte(`{"success":true}`)})
		})
		assert.Equal(t, 1, c.Pending())
	})

	t.Run("HandleResult - Passed (unknown command id)", func(t *testing.T) {
		c := New(transport.NewMemoryTransport(transport.Presence{}), Config{}, nil)
		assert.NotPanics(t, func() {
			c.HandleResult(transport.Message{Topic: "device/x/result", Payload: []byte(`{"command_id":"zzz"}`)})
		})
	})
}
