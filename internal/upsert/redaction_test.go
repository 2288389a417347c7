package upsert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/config"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
)

func TestPolicy_NoRules(t *testing.T) {
	in := map[string]any{"a": 1}
	out, stripped, err := NewPolicy().Filter(model.SourceCRM, model.EntityContact, model.DirectionInbound, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Empty(t, stripped)

	var nilPolicy *Policy
	out, _, err = nilPolicy.Filter(model.SourceCRM, model.EntityContact, model.DirectionInbound, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPolicy_AllowList(t *testing.T) {
	p := NewPolicy(Rule{
		Source:     model.SourceLedger,
		EntityType: model.EntityInvoice,
		Direction:  model.DirectionInbound,
		Mode:       ModeAllow,
		Fields:     []string{"amount", "status"},
	})
	out, stripped, err := p.Filter(model.SourceLedger, model.EntityInvoice, model.DirectionInbound,
		map[string]any{"amount": 5, "status": "paid", "memo": "x", "owner": "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": 5, "status": "paid"}, out)
	assert.Equal(t, []string{"memo", "owner"}, stripped)
}

func TestPolicy_ScopedByDirectionAndEntity(t *testing.T) {
	p := NewPolicy(Rule{
		Source:     model.SourceCRM,
		EntityType: model.EntityContact,
		Direction:  model.DirectionOutbound,
		Mode:       ModeDeny,
		Fields:     []string{Wildcard},
	})
	in := map[string]any{"email": "a"}

	out, _, err := p.Filter(model.SourceCRM, model.EntityContact, model.DirectionInbound, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, stripped, err := p.Filter(model.SourceCRM, model.EntityContact, model.DirectionOutbound, in)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []string{"email"}, stripped)

	out, _, err = p.Filter(model.SourceEmail, model.EntityContact, model.DirectionOutbound, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPolicy_DenyBeatsAllow(t *testing.T) {
	p := NewPolicy(
		Rule{Source: model.SourceCRM, EntityType: Wildcard, Direction: model.DirectionInbound, Mode: ModeAllow, Fields: []string{Wildcard}},
		Rule{Source: model.SourceCRM, EntityType: model.EntityContact, Direction: model.DirectionInbound, Mode: ModeDeny, Fields: []string{"phone"}},
	)
	out, stripped, err := p.Filter(model.SourceCRM, model.EntityContact, model.DirectionInbound, map[string]any{"phone": "1", "email": "a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"email": "a"}, out)
	assert.Equal(t, []string{"phone"}, stripped)
}

func TestPolicy_RejectOnlyForRejectRules(t *testing.T) {
	p := NewPolicy(
		Rule{Source: model.SourceCRM, EntityType: model.EntityContact, Direction: model.DirectionInbound, Mode: ModeDeny, Fields: []string{"phone"}},
		Rule{Source: model.SourceCRM, EntityType: model.EntityContact, Direction: model.DirectionInbound, Mode: ModeDeny, Fields: []string{"ssn"}, OnViolation: ViolationReject},
	)
	_, stripped, err := p.Filter(model.SourceCRM, model.EntityContact, model.DirectionInbound, map[string]any{"phone": "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"phone"}, stripped)

	_, _, err = p.Filter(model.SourceCRM, model.EntityContact, model.DirectionInbound, map[string]any{"phone": "1", "ssn": "2"})
	assert.ErrorIs(t, err, resilience.ErrDomainValidationRejected)
	assert.Contains(t, err.Error(), "ssn")
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig([]config.RedactionRule{{
		Source:     "workspace",
		EntityType: "document",
		Direction:  "inbound",
		Mode:       "deny",
		Fields:     []string{"internal_notes"},
	}})
	require.Len(t, p.rules, 1)
	assert.Equal(t, ViolationDrop, p.rules[0].OnViolation)
	assert.Equal(t, model.SourceWorkspace, p.rules[0].Source)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock on the same key must wait")
	default:
	}
	unlockA()
	<-done
	unlockB()
	assert.Equal(t, 0, k.size())
}
