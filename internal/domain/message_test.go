package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentFlattensTypeAndBody(t *testing.T) {
	c := Content{Type: ContentDelegation, Body: map[string]any{"task_id": "t-1"}}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"delegation","task_id":"t-1"}`, string(data))

	var back Content
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ContentDelegation, back.Type)
	assert.Equal(t, "t-1", back.Body["task_id"])
}

func TestContentRejectsPlainString(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"m1","to":"w1","content":"please review"}`), &m)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"id":"m1","to":"w1","content":{"body":"x"}}`), &m)
	require.Error(t, err)
}

func TestMessageValidate(t *testing.T) {
	m := Message{ID: "m1", To: "w1", Content: Content{Type: ContentReminder}}
	require.NoError(t, m.Validate())
	m.To = ""
	require.ErrorIs(t, m.Validate(), ErrValidation)
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
}
