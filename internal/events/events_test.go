package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/paulgrammer/taskmaster/internal/events"
	"github.com/stretchr/testify/require"
)

func TestMulti(t *testing.T) {
	var seen []string
	ok := events.NotifierFunc(func(_ context.Context, e events.Event) error {
		seen = append(seen, "ok:"+e.JobID)
		return nil
	})
	boom := errors.New("boom")
	failing := events.NotifierFunc(func(_ context.Context, e events.Event) error {
		seen = append(seen, "failing:"+e.JobID)
		return boom
	})

	err := events.Multi{failing, ok}.Notify(context.Background(), events.Event{JobID: "1"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"failing:1", "ok:1"}, seen)

	require.NoError(t, events.Multi{}.Notify(context.Background(), events.Event{}))
}
