package convo_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/relay/core/convo"
)

func TestExpiredLogBoundedRetention(t *testing.T) {
	log := convo.NewExpiredLog(convo.ExpiredLogConfig{MaxSize: 3})

	for i := 0; i < 5; i++ {
		log.Add(&convo.ExpiredRecord{ConversationID: fmt.Sprintf("conv-%d", i)})
	}

	assert.Equal(t, 3, log.Len())
	assert.Equal(t, int64(5), log.TotalAdded())

	pending := log.Pending()
	require.Len(t, pending, 3)
	// Oldest entries were evicted.
	assert.Equal(t, "conv-2", pending[0].ConversationID)
	assert.Equal(t, "conv-4", pending[2].ConversationID)
}

func TestExpiredLogMarkHandled(t *testing.T) {
	log := convo.NewExpiredLog(convo.ExpiredLogConfig{})
	log.Add(&convo.ExpiredRecord{ConversationID: "conv-1"})
	log.Add(&convo.ExpiredRecord{ConversationID: "conv-2"})

	require.True(t, log.MarkHandled("conv-1"))
	assert.False(t, log.MarkHandled("conv-1"))
	assert.False(t, log.MarkHandled("unknown"))

	pending := log.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "conv-2", pending[0].ConversationID)
	assert.False(t, pending[0].HandledAt.IsZero() && pending[0].Handled)
}

func TestExpiredLogOnAddCallback(t *testing.T) {
	var paged []string
	log := convo.NewExpiredLog(convo.ExpiredLogConfig{
		OnAdd: func(rec *convo.ExpiredRecord) {
			paged = append(paged, rec.ConversationID)
		},
	})

	log.Add(&convo.ExpiredRecord{ConversationID: "conv-1"})
	log.Add(&convo.ExpiredRecord{ConversationID: "conv-2"})

	assert.Equal(t, []string{"conv-1", "conv-2"}, paged)
}
