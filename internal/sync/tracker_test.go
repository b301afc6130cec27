package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/feed"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

func newTestTracker(sender *mocks.SenderMock) (*Tracker, *store.Store) {
	st := store.New()
	return NewTracker(st, sender, "c1", "alice", nil), st
}

func TestSendInsertsProvisionalBeforeTransmission(t *testing.T) {
	sender := new(mocks.SenderMock)
	tracker, st := newTestTracker(sender)

	var visibleDuringSend int
	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Run(func(args mock.Arguments) {
			visibleDuringSend = st.Len()
		}).
		Return("m1", nil).Once()

	msg, err := tracker.Send(context.Background(), feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, 1, visibleDuringSend, "provisional entry must be visible before the network resolves")
	assert.Equal(t, "m1", msg.ID)
	assert.NotEmpty(t, msg.ProvisionalID)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, []string{"alice"}, msg.ReadBy)
	sender.AssertExpectations(t)
}

func TestSendKeepsDeviceProvisionalID(t *testing.T) {
	sender := new(mocks.SenderMock)
	tracker, _ := newTestTracker(sender)

	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.MatchedBy(func(out feed.OutgoingMessage) bool {
		return out.ProvisionalID == "prov_device"
	})).Return("m1", nil).Once()

	msg, err := tracker.Send(context.Background(), feed.OutgoingMessage{
		ProvisionalID: "prov_device", Kind: models.KindText, Text: "hi",
	})

	require.NoError(t, err)
	assert.Equal(t, "prov_device", msg.ProvisionalID)
	sender.AssertExpectations(t)
}

func TestSendTransientFailureYieldsFailedEntryNotError(t *testing.T) {
	sender := new(mocks.SenderMock)
	tracker, st := newTestTracker(sender)

	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return("", feed.ErrTransient).Once()

	msg, err := tracker.Send(context.Background(), feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})

	require.NoError(t, err, "transient failures surface as status, not as errors")
	assert.Equal(t, models.StatusFailed, msg.Status)
	require.Len(t, st.Get(), 1)
	assert.Equal(t, models.StatusFailed, st.Get()[0].Status)
}

func TestSendTransientFailureHandsOffToQueue(t *testing.T) {
	sender := new(mocks.SenderMock)
	st := store.New()
	var handedOff *feed.OutgoingMessage
	tracker := NewTracker(st, sender, "c1", "alice", func(msg models.Message, out feed.OutgoingMessage) {
		handedOff = &out
	})

	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return("", feed.ErrTransient).Once()

	_, err := tracker.Send(context.Background(), feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})

	require.NoError(t, err)
	require.NotNil(t, handedOff)
	assert.Equal(t, "hi", handedOff.Text)
	assert.NotEmpty(t, handedOff.ProvisionalID)
}

func TestSendPermissionErrorSurfaces(t *testing.T) {
	sender := new(mocks.SenderMock)
	tracker, st := newTestTracker(sender)

	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return("", feed.ErrPermission).Once()

	msg, err := tracker.Send(context.Background(), feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})

	require.ErrorIs(t, err, feed.ErrPermission)
	assert.Equal(t, models.StatusFailed, msg.Status)
	// The entry stays visible so the user can see what happened.
	require.Len(t, st.Get(), 1)
}

func TestSendRejectsInvalidPayloads(t *testing.T) {
	tracker, st := newTestTracker(new(mocks.SenderMock))

	cases := []feed.OutgoingMessage{
		{Kind: models.KindText, Text: "   "},
		{Kind: models.KindImage},
		{Kind: "sticker", Text: "x"},
	}
	for _, out := range cases {
		_, err := tracker.Send(context.Background(), out)
		require.ErrorIs(t, err, feed.ErrValidation)
	}
	assert.Zero(t, st.Len(), "rejected sends leave no entry behind")
}

func TestRetryConvergesAfterTransientFailures(t *testing.T) {
	sender := new(mocks.SenderMock)
	tracker, st := newTestTracker(sender)

	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return("", feed.ErrTransient).Twice()
	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return("m1", nil).Once()

	msg, err := tracker.Send(context.Background(), feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})
	require.NoError(t, err)
	provID := msg.ProvisionalID

	_, err = tracker.Retry(context.Background(), provID, feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})
	require.NoError(t, err)

	final, err := tracker.Retry(context.Background(), provID, feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "m1", final.ID)
	assert.Equal(t, models.StatusSent, final.Status)
	require.Len(t, st.Get(), 1, "retries must converge to exactly one sent message")
	sender.AssertExpectations(t)
}

func TestRetryRequiresFailedState(t *testing.T) {
	sender := new(mocks.SenderMock)
	tracker, _ := newTestTracker(sender)

	sender.On("SendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return("m1", nil).Once()

	msg, err := tracker.Send(context.Background(), feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})
	require.NoError(t, err)

	_, err = tracker.Retry(context.Background(), msg.ProvisionalID, feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})
	assert.ErrorIs(t, err, ErrNotFailed)

	_, err = tracker.Retry(context.Background(), "prov_unknown", feed.OutgoingMessage{Kind: models.KindText, Text: "hi"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestConfirmDeliveryIsMonotonic(t *testing.T) {
	tracker, st := newTestTracker(new(mocks.SenderMock))
	st.ReplaceAll([]models.Message{
		textMsg("m1", "", "alice", "hi", 1000, models.StatusRead),
	})

	require.NoError(t, tracker.ConfirmDelivery("m1", models.StatusDelivered, nil))
	assert.Equal(t, models.StatusRead, st.Get()[0].Status, "read never regresses to delivered")

	require.NoError(t, tracker.ConfirmDelivery("m1", models.StatusRead, []string{"bob"}))
	assert.Contains(t, st.Get()[0].ReadBy, "bob")

	assert.ErrorIs(t, tracker.ConfirmDelivery("missing", models.StatusRead, nil), ErrUnknownMessage)
	assert.Error(t, tracker.ConfirmDelivery("m1", models.StatusFailed, nil))
}

func TestGuardMutableRejectsProvisionalTargets(t *testing.T) {
	tracker, st := newTestTracker(new(mocks.SenderMock))
	st.ReplaceAll([]models.Message{
		textMsg("m1", "", "alice", "hi", 1000, models.StatusSent),
		textMsg("", "prov_x", "alice", "pending", 2000, models.StatusFailed),
	})

	assert.NoError(t, tracker.GuardMutable("m1"))
	assert.ErrorIs(t, tracker.GuardMutable("prov_x"), ErrProvisionalTarget)
	assert.ErrorIs(t, tracker.GuardMutable("missing"), ErrUnknownMessage)
}
