package lead

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

func TestStateMachine(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"created to scored", StateCreated, StateScored, true},
		{"created to routed skips scoring", StateCreated, StateRouted, false},
		{"rescore", StateScored, StateScored, true},
		{"scored to quoted", StateScored, StatePriceQuoted, true},
		{"quoted to routed", StatePriceQuoted, StateRouted, true},
		{"routed to delivered", StateRouted, StateDelivered, true},
		{"routed to expired", StateRouted, StateExpired, true},
		{"delivered to accepted", StateDelivered, StateAccepted, true},
		{"delivered to rejected", StateDelivered, StateRejected, true},
		{"rejected reroutes", StateRejected, StateRouted, true},
		{"expired reroutes", StateExpired, StateRouted, true},
		{"rejected drops", StateRejected, StateDropped, true},
		{"accepted is terminal", StateAccepted, StateRouted, false},
		{"dropped is terminal", StateDropped, StateScored, false},
		{"delivered cannot drop", StateDelivered, StateDropped, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	l := NewLead()
	err := l.Transition(StateRouted)
	require.Error(t, err)
	assert.Equal(t, StateCreated, l.State, "state must not change on a rejected transition")
}

func TestApplyScore(t *testing.T) {
	l := NewLead()
	revenue := values.MustNewMoneyFromFloat(212.5, values.USD)

	require.NoError(t, l.ApplyScore(87, values.TierPremium, revenue, 0.55))
	assert.Equal(t, StateScored, l.State)
	assert.Equal(t, 87.0, l.Score)
	assert.Equal(t, values.TierPremium, l.Tier)

	// attribute arrival after scoring allows a rescore
	require.NoError(t, l.ApplyScore(90, values.TierPremium, revenue, 0.6))
	assert.Equal(t, 90.0, l.Score)
}

func TestDrop(t *testing.T) {
	l := NewLead()
	require.NoError(t, l.Transition(StateScored))
	require.NoError(t, l.Drop("no buyer capacity"))

	assert.Equal(t, StateDropped, l.State)
	assert.Equal(t, "no buyer capacity", l.DropReason)
	assert.True(t, l.State.IsTerminal())
}

func TestMergeAttributes(t *testing.T) {
	l := NewLead()
	l.MergeAttributes(AttributeSet{"intent": Numeric(50)})
	l.MergeAttributes(AttributeSet{
		"intent":  Numeric(80),
		"urgency": Categorical("immediate"),
	})

	assert.Len(t, l.Attributes, 2)
	assert.Equal(t, 80.0, l.Attributes["intent"].Num, "later value wins")
}

func TestAttributeValueJSON(t *testing.T) {
	var v AttributeValue
	require.NoError(t, json.Unmarshal([]byte(`42.5`), &v))
	assert.Equal(t, Numeric(42.5), v)

	require.NoError(t, json.Unmarshal([]byte(`"decision_maker"`), &v))
	assert.Equal(t, Categorical("decision_maker"), v)

	err := json.Unmarshal([]byte(`true`), &v)
	assert.Error(t, err, "booleans are not valid attribute values")

	err = json.Unmarshal([]byte(`[1,2]`), &v)
	assert.Error(t, err, "arrays are not valid attribute values")
}

func TestAttributeSetJSONRoundTrip(t *testing.T) {
	original := AttributeSet{
		"intent":    Numeric(87),
		"authority": Categorical("influencer"),
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded AttributeSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestAttributeSetHash(t *testing.T) {
	a := AttributeSet{"intent": Numeric(80), "urgency": Categorical("immediate")}
	b := AttributeSet{"urgency": Categorical("immediate"), "intent": Numeric(80)}
	c := AttributeSet{"intent": Numeric(81), "urgency": Categorical("immediate")}

	assert.Equal(t, a.Hash(), b.Hash(), "hash is order independent")
	assert.NotEqual(t, a.Hash(), c.Hash())
}
