package command

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetlink/errors"
)

func pendingCommand(id string) Command {
	return Command{
		ID:       id,
		DeviceID: "D1",
		Type:     "SET_MODE",
		Status:   StatusPending,
		SentAt:   time.Now(),
		Timeout:  time.Second,
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimeout.Terminal())
}

func TestRegistry_InsertAndGet(t *testing.T) {
	reg := NewRegistry(10)

	require.NoError(t, reg.Insert(pendingCommand("c1")))

	cmd, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, cmd.Status)
	assert.Equal(t, 1, reg.ActiveCount())
}

func TestRegistry_InsertValidation(t *testing.T) {
	reg := NewRegistry(10)

	err := reg.Insert(Command{DeviceID: "D1", Status: StatusPending})
	assert.Error(t, err, "missing id must be rejected")

	err = reg.Insert(Command{ID: "c1", Status: StatusSuccess})
	assert.Error(t, err, "non-pending insert must be rejected")
}

func TestRegistry_InsertDuplicate(t *testing.T) {
	reg := NewRegistry(10)

	require.NoError(t, reg.Insert(pendingCommand("c1")))
	err := reg.Insert(pendingCommand("c1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateCommand)
}

func TestRegistry_FinalizeMovesToHistory(t *testing.T) {
	reg := NewRegistry(10)
	sent := time.Now()
	cmd := pendingCommand("c1")
	cmd.SentAt = sent
	require.NoError(t, reg.Insert(cmd))

	ackAt := sent.Add(250 * time.Millisecond)
	got, outcome := reg.Finalize("c1", StatusSuccess, "", ackAt)

	assert.Equal(t, FinalizeWon, outcome)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, ackAt, got.AcknowledgedAt)
	assert.Equal(t, 250*time.Millisecond, got.ResponseTime)

	assert.Equal(t, 0, reg.ActiveCount())
	require.Len(t, reg.History(), 1)
	assert.True(t, reg.InHistory("c1"))

	// Still queryable after completion
	fromGet, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, fromGet.Status)
}

func TestRegistry_FinalizeNotFound(t *testing.T) {
	reg := NewRegistry(10)

	_, outcome := reg.Finalize("nope", StatusSuccess, "", time.Now())
	assert.Equal(t, FinalizeNotFound, outcome)
}

func TestRegistry_FinalizeRejectsPending(t *testing.T) {
	reg := NewRegistry(10)
	require.NoError(t, reg.Insert(pendingCommand("c1")))

	_, outcome := reg.Finalize("c1", StatusPending, "", time.Now())
	assert.Equal(t, FinalizeNotFound, outcome)
	assert.Equal(t, 1, reg.ActiveCount(), "command must stay active")
}

func TestRegistry_ExactlyOneTerminalTransition(t *testing.T) {
	// Across arbitrary interleavings of concurrent finalizers, exactly
	// one must win.
	for iter := 0; iter < 100; iter++ {
		reg := NewRegistry(10)
		require.NoError(t, reg.Insert(pendingCommand("c1")))

		const racers = 4
		outcomes := make([]FinalizeOutcome, racers)
		statuses := []Status{StatusSuccess, StatusFailed, StatusTimeout, StatusSuccess}

		var start, done sync.WaitGroup
		start.Add(1)
		for i := 0; i < racers; i++ {
			done.Add(1)
			go func(i int) {
				defer done.Done()
				start.Wait()
				_, outcomes[i] = reg.Finalize("c1", statuses[i], "", time.Now())
			}(i)
		}
		start.Done()
		done.Wait()

		wins := 0
		for _, o := range outcomes {
			if o == FinalizeWon {
				wins++
			}
		}
		require.Equal(t, 1, wins, "exactly one finalizer must win")
		assert.Equal(t, 0, reg.ActiveCount())
		assert.Len(t, reg.History(), 1)
	}
}

func TestRegistry_ArmTimer(t *testing.T) {
	reg := NewRegistry(10)
	require.NoError(t, reg.Insert(pendingCommand("c1")))

	fired := make(chan struct{}, 1)
	timer := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	require.True(t, reg.ArmTimer("c1", timer))

	// Finalizing cancels the armed timer
	_, outcome := reg.Finalize("c1", StatusSuccess, "", time.Now())
	require.Equal(t, FinalizeWon, outcome)

	select {
	case <-fired:
		t.Fatal("timer should have been cancelled by finalize")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRegistry_ArmTimerAfterFinalize(t *testing.T) {
	reg := NewRegistry(10)
	require.NoError(t, reg.Insert(pendingCommand("c1")))
	_, outcome := reg.Finalize("c1", StatusSuccess, "", time.Now())
	require.Equal(t, FinalizeWon, outcome)

	fired := make(chan struct{}, 1)
	timer := time.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })
	assert.False(t, reg.ArmTimer("c1", timer), "arming a finalized command must fail")

	select {
	case <-fired:
		t.Fatal("timer should have been stopped")
	case <-time.After(40 * time.Millisecond):
	}
}

func TestRegistry_HistoryBounded(t *testing.T) {
	reg := NewRegistry(3)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, reg.Insert(pendingCommand(id)))
		_, outcome := reg.Finalize(id, StatusSuccess, "", time.Now())
		require.Equal(t, FinalizeWon, outcome)
	}

	history := reg.History()
	require.Len(t, history, 3)
	assert.Equal(t, "c2", history[0].ID)
	assert.Equal(t, "c4", history[2].ID)
	assert.False(t, reg.InHistory("c0"), "evicted entries are forgotten")
}

func TestRegistry_Active(t *testing.T) {
	reg := NewRegistry(10)
	require.NoError(t, reg.Insert(pendingCommand("c1")))
	require.NoError(t, reg.Insert(pendingCommand("c2")))

	active := reg.Active()
	assert.Len(t, active, 2)
}
