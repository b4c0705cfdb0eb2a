package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryStatusRankOrder(t *testing.T) {
	order := []DeliveryStatus{DeliverySent, DeliveryFailed, DeliveryServerAck, DeliveryDelivered, DeliveryRead}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Rank(), order[i].Rank(), "%s should rank below %s", order[i-1], order[i])
	}
	assert.False(t, DeliveryStatus("bogus").Valid())
}

func TestStringListScan(t *testing.T) {
	var l StringList
	require.NoError(t, l.Scan(`["a","b"]`))
	assert.Equal(t, StringList{"a", "b"}, l)

	require.NoError(t, l.Scan([]byte(`[]`)))
	assert.Empty(t, l)

	require.NoError(t, l.Scan(nil))
	assert.NotNil(t, l)

	assert.Error(t, l.Scan(42))

	v, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}

func TestMessageIsPlaceholder(t *testing.T) {
	assert.True(t, Message{ExternalID: PlaceholderPrefix + "abc"}.IsPlaceholder())
	assert.False(t, Message{ExternalID: "3EB0ABC"}.IsPlaceholder())
	assert.False(t, Message{ExternalID: PlaceholderPrefix}.IsPlaceholder())
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.True(t, JobKindFull.Valid())
	assert.False(t, JobKind("all").Valid())
}
