package campaign

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusNextAllowed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from   Status
		action Action
		want   Status
	}{
		{StatusDraft, ActionStart, StatusSending},
		{StatusScheduled, ActionStart, StatusSending},
		{StatusPaused, ActionStart, StatusSending},
		{StatusSending, ActionPause, StatusPaused},
		{StatusSending, ActionStop, StatusStopped},
		{StatusPaused, ActionStop, StatusStopped},
		{StatusCompleted, ActionArchive, StatusArchived},
		{StatusFailed, ActionArchive, StatusArchived},
		{StatusStopped, ActionArchive, StatusArchived},
		{StatusCompleted, ActionRestart, StatusSending},
		{StatusStopped, ActionRestart, StatusSending},
		{StatusFailed, ActionRestart, StatusSending},
	}
	for _, tt := range tests {
		got, err := tt.from.Next(tt.action)
		require.NoError(t, err, "%s from %s", tt.action, tt.from)
		require.Equal(t, tt.want, got)
	}
}

func TestStatusNextRejected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from   Status
		action Action
	}{
		{StatusSending, ActionStart},
		{StatusCompleted, ActionStart},
		{StatusArchived, ActionStart},
		{StatusDraft, ActionPause},
		{StatusPaused, ActionPause},
		{StatusDraft, ActionStop},
		{StatusCompleted, ActionStop},
		{StatusSending, ActionArchive},
		{StatusArchived, ActionArchive},
		{StatusSending, ActionRestart},
		{StatusArchived, ActionRestart},
	}
	for _, tt := range tests {
		got, err := tt.from.Next(tt.action)
		require.Error(t, err, "%s from %s should be rejected", tt.action, tt.from)
		require.Equal(t, tt.from, got, "rejected transition must not change status")

		var te *TransitionError
		require.True(t, errors.As(err, &te))
		require.Equal(t, tt.from, te.Current)
		require.Contains(t, te.Error(), string(tt.from))
	}
}

func TestProgressMath(t *testing.T) {
	t.Parallel()

	// Zero contacts reports zero progress.
	require.Equal(t, 0, Counters{}.Progress())

	// Partially processed.
	c := Counters{Contacts: 200, Sent: 40, Failed: 10}
	require.Equal(t, 25, c.Progress())
	require.False(t, c.Done())

	// sent=95 failed=5 of 100 => progress 100 and done.
	c = Counters{Contacts: 100, Sent: 95, Failed: 5}
	require.Equal(t, 100, c.Progress())
	require.True(t, c.Done())
	require.False(t, c.AllFailed())

	// Over-count is clamped to 100.
	c = Counters{Contacts: 10, Sent: 12}
	require.Equal(t, 100, c.Progress())

	// Blocked contacts count toward progress.
	c = Counters{Contacts: 4, Sent: 2, Blocked: 2}
	require.Equal(t, 100, c.Progress())
	require.True(t, c.Done())

	// Rounding: 1 of 3 processed.
	c = Counters{Contacts: 3, Sent: 1}
	require.Equal(t, 33, c.Progress())
}

func TestAllFailed(t *testing.T) {
	t.Parallel()
	c := Counters{Contacts: 5, Failed: 5}
	require.True(t, c.AllFailed())

	c = Counters{Contacts: 5, Failed: 4, Sent: 1}
	require.False(t, c.AllFailed())

	// Fully blocked counts as failed outcome-wise.
	c = Counters{Contacts: 5, Blocked: 5}
	require.True(t, c.AllFailed())
}

func TestMessageTerminalAndRetryable(t *testing.T) {
	t.Parallel()
	for _, s := range []MessageStatus{MessageSent, MessageDelivered, MessageFailed, MessageUndelivered, MessageBlocked} {
		require.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []MessageStatus{MessageQueued, MessageProcessing} {
		require.False(t, s.Terminal(), "%s", s)
	}

	m := Message{RetryCount: 2, MaxRetries: 3}
	require.True(t, m.Retryable())
	m.RetryCount = 3
	require.False(t, m.Retryable())
}

func TestParseAction(t *testing.T) {
	t.Parallel()
	a, err := ParseAction("start")
	require.NoError(t, err)
	require.Equal(t, ActionStart, a)

	_, err = ParseAction("explode")
	require.Error(t, err)
}
