package genjob

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition_TerminalNeverReachesProcessing(t *testing.T) {
	t.Parallel()

	for _, from := range []Status{StatusCompleted, StatusFailed, StatusFiltered, StatusCancelled} {
		require.False(t, CanTransition(from, StatusProcessing), "from %s", from)
	}
}

func TestCanTransition_OnlyFailedReopens(t *testing.T) {
	t.Parallel()

	require.True(t, CanTransition(StatusFailed, StatusQueued))
	require.False(t, CanTransition(StatusFailed, StatusPending))
	require.False(t, CanTransition(StatusCompleted, StatusQueued))
	require.False(t, CanTransition(StatusFiltered, StatusQueued))
	require.False(t, CanTransition(StatusCancelled, StatusQueued))
}

func TestCheckTransition_WrapsSentinel(t *testing.T) {
	t.Parallel()

	err := CheckTransition(StatusCompleted, StatusPending)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidStateTransition))
	require.NoError(t, CheckTransition(StatusPending, StatusQueued))
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	job := Job{Status: StatusPending, OpType: "text_to_video", Owner: "p1"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty", filter: Filter{}, want: true},
		{name: "status hit", filter: Filter{Status: []Status{StatusQueued, StatusPending}}, want: true},
		{name: "status miss", filter: Filter{Status: []Status{StatusCompleted}}, want: false},
		{name: "op miss", filter: Filter{OpType: "text_to_image"}, want: false},
		{name: "owner hit", filter: Filter{Owner: "p1", OpType: "text_to_video"}, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.filter.Matches(job))
		})
	}
}

func TestJobCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	job := Job{
		AvoidAccounts: []string{"a"},
		Canonical:     Canonical{Params: map[string]string{"k": "v"}, SceneRefs: []string{"s1"}},
		ErrorInfo:     &ErrorInfo{Message: "x"},
	}
	cp := job.Clone()
	cp.AvoidAccounts[0] = "b"
	cp.Canonical.Params["k"] = "changed"
	cp.ErrorInfo.Message = "y"

	require.Equal(t, "a", job.AvoidAccounts[0])
	require.Equal(t, "v", job.Canonical.Params["k"])
	require.Equal(t, "x", job.ErrorInfo.Message)
}

func TestJobAvoidDeduplicates(t *testing.T) {
	t.Parallel()

	var job Job
	job.Avoid("acc-1")
	job.Avoid("acc-1")
	job.Avoid("")
	require.Equal(t, []string{"acc-1"}, job.AvoidAccounts)
}
