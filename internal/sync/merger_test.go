package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

func textMsg(id, prov, sender, text string, at int64, status models.Status) models.Message {
	return models.Message{
		ID:            id,
		ProvisionalID: prov,
		ChatID:        "c1",
		SenderID:      sender,
		Kind:          models.KindText,
		Text:          text,
		CreatedAt:     at,
		Status:        status,
	}
}

func TestMergeSwapsProvisionalForEchoedID(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_a", "alice", "hi", 1000, models.StatusSending),
	}
	incoming := []models.Message{
		textMsg("m1", "prov_a", "alice", "hi", 1200, models.StatusSent),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].ID)
	assert.Empty(t, out[0].ProvisionalID)
	assert.Equal(t, models.StatusSent, out[0].Status)
}

func TestMergeHeuristicMatchesSenderKindAndTime(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_a", "alice", "hi", 1000, models.StatusSending),
	}
	// No echoed provisional id; same sender, kind, text, 1.2s apart.
	incoming := []models.Message{
		textMsg("m1", "", "alice", "hi", 2200, models.StatusSent),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].ID)
	assert.Empty(t, out[0].ProvisionalID)
}

func TestMergeHeuristicRejectsOutsideWindow(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_a", "alice", "hi", 1000, models.StatusSending),
	}
	incoming := []models.Message{
		textMsg("m1", "", "alice", "hi", 1000+MatchWindowMillis, models.StatusSent),
	}

	out := Merge(current, incoming)

	// No match: both survive as distinct entries.
	require.Len(t, out, 2)
}

func TestMergeHeuristicRequiresIdenticalTextForTextKind(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_a", "alice", "hi", 1000, models.StatusSending),
	}
	incoming := []models.Message{
		textMsg("m1", "", "alice", "hi there", 1100, models.StatusSent),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 2)
}

func TestMergeMatchesMediaWithoutTextEquality(t *testing.T) {
	prov := models.Message{
		ProvisionalID: "prov_img", ChatID: "c1", SenderID: "alice",
		Kind: models.KindImage, Attachments: []string{"local://img"},
		CreatedAt: 1000, Status: models.StatusSending,
	}
	confirmed := models.Message{
		ID: "m9", ChatID: "c1", SenderID: "alice",
		Kind: models.KindImage, Attachments: []string{"https://cdn/img"},
		CreatedAt: 8000, Status: models.StatusSent,
	}

	out := Merge([]models.Message{prov}, []models.Message{confirmed})

	require.Len(t, out, 1)
	assert.Equal(t, "m9", out[0].ID)
}

func TestMergeAmbiguityPicksClosestInTime(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_a", "alice", "hi", 5000, models.StatusSending),
	}
	incoming := []models.Message{
		textMsg("m_far", "", "alice", "hi", 9000, models.StatusSent),
		textMsg("m_near", "", "alice", "hi", 5500, models.StatusSent),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 2)
	for _, m := range out {
		assert.Empty(t, m.ProvisionalID)
	}
	// The closer candidate absorbed the provisional; the other remains a
	// plain new arrival.
	assert.Equal(t, "m_near", out[0].ID)
	assert.Equal(t, "m_far", out[1].ID)
}

func TestMergeKeepsUnmatchedProvisional(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_fail", "alice", "lost", 1000, models.StatusFailed),
	}
	incoming := []models.Message{
		textMsg("m1", "", "bob", "unrelated", 1100, models.StatusSent),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 2)
	assert.Equal(t, "prov_fail", out[0].ProvisionalID)
	assert.Equal(t, models.StatusFailed, out[0].Status)
}

func TestMergeStatusNeverRegresses(t *testing.T) {
	current := []models.Message{
		textMsg("m1", "", "alice", "hi", 1000, models.StatusRead),
	}
	// A lagging window still reports delivered.
	incoming := []models.Message{
		textMsg("m1", "", "alice", "hi", 1000, models.StatusDelivered),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 1)
	assert.Equal(t, models.StatusRead, out[0].Status)
}

func TestMergeUnitesReadBy(t *testing.T) {
	cur := textMsg("m1", "", "alice", "hi", 1000, models.StatusRead)
	cur.ReadBy = []string{"alice", "bob"}
	fresh := textMsg("m1", "", "alice", "hi", 1000, models.StatusRead)
	fresh.ReadBy = []string{"alice", "carol"}

	out := Merge([]models.Message{cur}, []models.Message{fresh})

	require.Len(t, out, 1)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, out[0].ReadBy)
}

func TestMergeKeepsEntriesOlderThanWindow(t *testing.T) {
	current := []models.Message{
		textMsg("old", "", "bob", "ancient", 100, models.StatusRead),
		textMsg("m1", "", "alice", "hi", 1000, models.StatusSent),
	}
	incoming := []models.Message{
		textMsg("m1", "", "alice", "hi", 1000, models.StatusDelivered),
		textMsg("m2", "", "bob", "new", 2000, models.StatusSent),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 3)
	assert.Equal(t, "old", out[0].ID)
	assert.Equal(t, "m1", out[1].ID)
	assert.Equal(t, models.StatusDelivered, out[1].Status)
	assert.Equal(t, "m2", out[2].ID)
}

func TestMergeIsIdempotent(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_a", "alice", "hi", 1000, models.StatusSending),
		textMsg("m0", "", "bob", "earlier", 500, models.StatusRead),
	}
	incoming := []models.Message{
		textMsg("m1", "prov_a", "alice", "hi", 1200, models.StatusSent),
		textMsg("m2", "", "bob", "later", 2000, models.StatusSent),
	}

	once := Merge(current, incoming)
	twice := Merge(once, incoming)

	assert.Equal(t, once, twice)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_a", "alice", "hi", 1000, models.StatusSending),
	}
	incoming := []models.Message{
		textMsg("m1", "prov_a", "alice", "hi", 1200, models.StatusSent),
	}

	Merge(current, incoming)

	assert.Equal(t, "prov_a", incoming[0].ProvisionalID)
	assert.Equal(t, models.StatusSending, current[0].Status)
}

func TestMergeOrdersByCreatedAt(t *testing.T) {
	current := []models.Message{
		textMsg("", "prov_new", "alice", "newest", 9000, models.StatusSending),
	}
	incoming := []models.Message{
		textMsg("m2", "", "bob", "mid", 5000, models.StatusSent),
		textMsg("m1", "", "bob", "first", 1000, models.StatusSent),
	}

	out := Merge(current, incoming)

	require.Len(t, out, 3)
	assert.Equal(t, "m1", out[0].ID)
	assert.Equal(t, "m2", out[1].ID)
	assert.Equal(t, "prov_new", out[2].ProvisionalID)
}
