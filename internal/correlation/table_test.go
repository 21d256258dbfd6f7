package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/mxgate/internal/protocol"
)

type recordingClient struct {
	mu      sync.Mutex
	id      string
	sendErr error
	sent    []protocol.Message
}

func (c *recordingClient) ID() string { return c.id }

func (c *recordingClient) PostMessage(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingClient) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

func TestResolveDeliversToken(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, WithIDGenerator(func() string { return "r1" }))
	client := &recordingClient{id: "c1"}

	p, err := table.Initiate(client)
	require.NoError(t, err)
	assert.Equal(t, "r1", p.ID())
	assert.Equal(t, []protocol.Message{protocol.AuthRequest{RequestID: "r1"}}, client.messages())
	assert.Equal(t, 1, table.Len())

	require.NoError(t, table.Resolve(protocol.AuthResponse{RequestID: "r1", AccessToken: "tok"}))

	reply, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", reply.AccessToken)
	assert.Equal(t, 0, table.Len())
}

func TestResolveWithErrorRejects(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, WithIDGenerator(func() string { return "r1" }))
	p, err := table.Initiate(&recordingClient{id: "c1"})
	require.NoError(t, err)

	require.NoError(t, table.Resolve(protocol.AuthResponse{RequestID: "r1", Error: protocol.NoAccessTokenError}))

	_, err = p.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, "No access token available", err.Error())
	var rejected *RejectedError
	assert.True(t, errors.As(err, &rejected))
	assert.Equal(t, 0, table.Len())
}

func TestTimeoutRejectsAndRemovesEntry(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, WithTimeout(30*time.Millisecond))
	before := table.Len()

	p, err := table.Initiate(&recordingClient{id: "c1"})
	require.NoError(t, err)
	assert.Equal(t, before+1, table.Len())

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCredentialTimeout)
	assert.Equal(t, before, table.Len())
}

func TestSendFailureRejectsImmediately(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, WithTimeout(time.Hour))
	client := &recordingClient{id: "c1", sendErr: errors.New("channel closed")}

	start := time.Now()
	p, err := table.Initiate(client)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, table.Len())

	_, err = table.Request(context.Background(), client)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, 0, table.Len())
}

func TestUnknownReplyIsDiscarded(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, WithIDGenerator(func() string { return "r1" }))
	p, err := table.Initiate(&recordingClient{id: "c1"})
	require.NoError(t, err)

	require.NoError(t, table.Resolve(protocol.AuthResponse{RequestID: "r1", AccessToken: "first"}))

	assert.NotPanics(t, func() {
		err := table.Resolve(protocol.AuthResponse{RequestID: "r1", AccessToken: "second"})
		assert.ErrorIs(t, err, ErrUnknownReply)
		err = table.Resolve(protocol.AuthResponse{RequestID: "never-issued", AccessToken: "x"})
		assert.ErrorIs(t, err, ErrUnknownReply)
	})

	reply, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", reply.AccessToken)
}

func TestLateReplyAfterTimeout(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, WithTimeout(20*time.Millisecond), WithIDGenerator(func() string { return "late" }))
	p, err := table.Initiate(&recordingClient{id: "c1"})
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrCredentialTimeout)

	assert.ErrorIs(t, table.Resolve(protocol.AuthResponse{RequestID: "late", AccessToken: "tok"}), ErrUnknownReply)
	assert.Equal(t, 0, table.Len())
}

func TestConcurrentRequestsSettleIndependently(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, WithTimeout(150*time.Millisecond), WithIDGenerator(sequentialIDs("R")))
	client := &recordingClient{id: "c1"}

	r1, err := table.Initiate(client)
	require.NoError(t, err)
	r2, err := table.Initiate(client)
	require.NoError(t, err)
	r3, err := table.Initiate(client)
	require.NoError(t, err)
	require.Equal(t, []string{"R1", "R2", "R3"}, []string{r1.ID(), r2.ID(), r3.ID()})

	require.NoError(t, table.Resolve(protocol.AuthResponse{RequestID: "R2", AccessToken: "tok2"}))
	reply, err := r2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok2", reply.AccessToken)

	assert.Equal(t, 2, table.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err = r1.Wait(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded, "R1 should still be pending")

	_, err = r1.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCredentialTimeout)
	_, err = r3.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCredentialTimeout)
	assert.Equal(t, 0, table.Len())
}

func TestReplyAndTimeoutRaceSettleOnce(t *testing.T) {
	t.Parallel()

	const rounds = 200
	table := NewTable(nil, WithTimeout(time.Millisecond), WithIDGenerator(sequentialIDs("race-")))
	client := &recordingClient{id: "c1"}

	for i := 0; i < rounds; i++ {
		p, err := table.Initiate(client)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = table.Resolve(protocol.AuthResponse{RequestID: p.ID(), AccessToken: "tok"})
			}()
		}
		wg.Wait()

		_, _ = p.Wait(context.Background())
		select {
		case <-p.done:
			t.Fatalf("request %s settled more than once", p.ID())
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, 0, table.Len())
}
