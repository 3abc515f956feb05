package notifytest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sts/internal/notify"
)

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder()

	require.NoError(t, r.SendAlarm(ctx, "illegal attempt", map[string]any{"phone": "98079008"}))
	require.NoError(t, r.SendInfo(ctx, "#ops", "all good", nil, true))
	require.NoError(t, r.SendInfo(ctx, "#ops", "fyi", nil, false))

	assert.Equal(t, 1, r.Count(notify.KindAlarm))
	assert.Equal(t, 1, r.Count(notify.KindSuccess))
	assert.Equal(t, 1, r.Count(notify.KindInfo))
	assert.Equal(t, "98079008", r.Sent()[0].Fields["phone"])

	r.FailWith(errors.New("down"))
	assert.Error(t, r.SendAlarm(ctx, "lost", nil))
	assert.Len(t, r.Sent(), 3)

	r.SetAvailable(false)
	assert.False(t, r.Available())

	r.Reset()
	assert.Empty(t, r.Sent())
}
