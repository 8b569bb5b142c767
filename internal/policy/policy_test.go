package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	"github.com/lunaluxe/payment-orchestrator/internal/poller"
)

func TestNewClassifier_EmptyAndNilRules(t *testing.T) {
	c, err := NewClassifier(nil)
	require.NoError(t, err)
	assert.Empty(t, c.rules)

	v, id, err := c.Evaluate(map[string]interface{}{"resultCode": "0"})
	require.NoError(t, err)
	assert.Equal(t, poller.Pending, v)
	assert.Empty(t, id)
}

func TestNewClassifier_CompilationError(t *testing.T) {
	rules := []Rule{
		{ID: "rule1", Expression: "resultCode == '0'", Verdict: poller.Succeeded},
		{ID: "rule2", Expression: "resultCode ==", Verdict: poller.Failed},
	}
	_, err := NewClassifier(rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile rule ID 'rule2'")
	assert.Contains(t, err.Error(), "Unexpected end of expression")
}

func TestNewClassifier_EmptyExpression(t *testing.T) {
	_, err := NewClassifier([]Rule{{ID: "empty_expr_rule", Expression: "  "}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy rule ID 'empty_expr_rule' has an empty expression")
}

func TestMustClassifier_Panics(t *testing.T) {
	assert.Panics(t, func() { MustClassifier([]Rule{{ID: "bad", Expression: "nonExistentFunction(x)"}}) })
	assert.NotPanics(t, func() { MustClassifier(DefaultPushRules) })
}

func TestClassifier_DefaultPushRules(t *testing.T) {
	c := MustClassifier(DefaultPushRules)

	tests := []struct {
		code string
		want poller.Verdict
	}{
		{"0", poller.Succeeded},
		{"1", poller.Failed},
		{"1032", poller.Failed},
		{"2001", poller.Failed},
		{"1037", poller.Pending},
		{"4999", poller.Pending},
		{"", poller.Pending},
	}
	for _, tt := range tests {
		t.Run("code_"+tt.code, func(t *testing.T) {
			res, err := c.ClassifyPush(adapter.PushStatus{CheckoutID: "ws_CO_1", ResultCode: tt.code, ResultDescription: "desc"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Verdict)
			assert.Equal(t, tt.code, res.Code)
			assert.Equal(t, "desc", res.Description)
			assert.Equal(t, "ws_CO_1", res.ProviderReference)
		})
	}
}

func TestClassifier_FirstMatchingRuleWins(t *testing.T) {
	c := MustClassifier([]Rule{
		{ID: "cancelled_text", Expression: "resultDescription == 'Request cancelled by user'", Verdict: poller.Failed},
		{ID: "anything_zero", Expression: "resultCode == '0'", Verdict: poller.Succeeded},
	})
	v, id, err := c.Evaluate(map[string]interface{}{"resultCode": "0", "resultDescription": "Request cancelled by user"})
	require.NoError(t, err)
	assert.Equal(t, poller.Failed, v)
	assert.Equal(t, "cancelled_text", id)
}

func TestClassifier_EvaluationErrors(t *testing.T) {
	t.Run("ParameterNotFound", func(t *testing.T) {
		c := MustClassifier([]Rule{{ID: "missing_param_rule", Expression: "undefinedParam > 10"}})
		_, id, err := c.Evaluate(map[string]interface{}{"resultCode": "0"})
		require.Error(t, err)
		assert.Equal(t, "missing_param_rule", id)
		assert.Contains(t, err.Error(), "No parameter 'undefinedParam' found.")
	})

	t.Run("NonBooleanResult", func(t *testing.T) {
		c := MustClassifier([]Rule{{ID: "numeric", Expression: "1 + 2"}})
		_, _, err := c.Evaluate(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "want bool")
	})
}

func TestClassifier_DefaultCardRules(t *testing.T) {
	c := MustClassifier(DefaultCardRules)

	res, err := c.ClassifyCard(adapter.CardConfirmation{IntentID: "pi_1", Status: adapter.CardSucceeded})
	require.NoError(t, err)
	assert.Equal(t, poller.Succeeded, res.Verdict)
	assert.Equal(t, "pi_1", res.ProviderReference)

	res, err = c.ClassifyCard(adapter.CardConfirmation{IntentID: "pi_1", Status: adapter.CardFailed, FailureCode: "card_declined", FailureMessage: "Your card was declined."})
	require.NoError(t, err)
	assert.Equal(t, poller.Failed, res.Verdict)
	assert.Equal(t, "card_declined", res.Code)
	assert.Equal(t, "Your card was declined.", res.Description)

	for _, s := range []adapter.CardStatus{adapter.CardRequiresAction, adapter.CardProcessing} {
		res, err = c.ClassifyCard(adapter.CardConfirmation{IntentID: "pi_1", Status: s})
		require.NoError(t, err)
		assert.Equal(t, poller.Pending, res.Verdict, s)
		assert.Equal(t, string(s), res.Code)
	}
}
