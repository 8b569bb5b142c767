// Package policy classifies gateway status answers with rule expressions
// evaluated by govaluate. Rules are tried in order and the first one that
// evaluates to true decides the verdict; when none matches the answer is
// treated as pending and polling continues.
package policy

import (
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	"github.com/lunaluxe/payment-orchestrator/internal/poller"
)

// Rule maps a boolean expression to a verdict.
type Rule struct {
	ID         string
	Expression string
	Verdict    poller.Verdict
}

type compiledRule struct {
	Rule
	expr *govaluate.EvaluableExpression
}

// Classifier holds compiled rules.
type Classifier struct {
	rules []compiledRule
}

// DefaultPushRules: "0" is success; insufficient funds, cancellation by the
// user and an invalid initiator are definitive failures. Every other code
// (including 1037, no response from the handset) keeps polling.
var DefaultPushRules = []Rule{
	{ID: "push_success", Expression: "resultCode == '0'", Verdict: poller.Succeeded},
	{ID: "push_definitive_failure", Expression: "resultCode == '1' || resultCode == '1032' || resultCode == '2001'", Verdict: poller.Failed},
}

// DefaultCardRules classify a re-read payment intent.
var DefaultCardRules = []Rule{
	{ID: "card_success", Expression: "status == 'succeeded'", Verdict: poller.Succeeded},
	{ID: "card_failure", Expression: "status == 'failed' || status == 'requires_payment_method'", Verdict: poller.Failed},
}

// NewClassifier compiles rules. It fails on the first rule that is empty or
// does not parse.
func NewClassifier(rules []Rule) (*Classifier, error) {
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if strings.TrimSpace(r.Expression) == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: r, expr: expr})
	}
	return c, nil
}

// MustClassifier is NewClassifier for rule sets known at compile time.
func MustClassifier(rules []Rule) *Classifier {
	c, err := NewClassifier(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// Evaluate returns the verdict of the first matching rule and its ID. A rule
// whose expression does not produce a boolean is an error.
func (c *Classifier) Evaluate(params map[string]interface{}) (poller.Verdict, string, error) {
	for _, r := range c.rules {
		out, err := r.expr.Evaluate(params)
		if err != nil {
			return poller.Pending, r.ID, fmt.Errorf("failed to evaluate rule ID '%s': %w", r.ID, err)
		}
		matched, ok := out.(bool)
		if !ok {
			return poller.Pending, r.ID, fmt.Errorf("rule ID '%s' evaluated to %T, want bool", r.ID, out)
		}
		if matched {
			return r.Verdict, r.ID, nil
		}
	}
	return poller.Pending, "", nil
}

// ClassifyPush turns a push status answer into a poll result.
func (c *Classifier) ClassifyPush(s adapter.PushStatus) (poller.Result, error) {
	v, _, err := c.Evaluate(map[string]interface{}{
		"resultCode":        s.ResultCode,
		"resultDescription": s.ResultDescription,
	})
	if err != nil {
		return poller.Result{}, err
	}
	return poller.Result{
		Verdict:           v,
		Code:              s.ResultCode,
		Description:       s.ResultDescription,
		ProviderReference: s.CheckoutID,
	}, nil
}

// ClassifyCard turns a re-read card intent into a poll result.
func (c *Classifier) ClassifyCard(cc adapter.CardConfirmation) (poller.Result, error) {
	v, _, err := c.Evaluate(map[string]interface{}{
		"status":      string(cc.Status),
		"failureCode": cc.FailureCode,
	})
	if err != nil {
		return poller.Result{}, err
	}
	desc := cc.FailureMessage
	if desc == "" {
		desc = string(cc.Status)
	}
	code := cc.FailureCode
	if code == "" {
		code = string(cc.Status)
	}
	return poller.Result{
		Verdict:           v,
		Code:              code,
		Description:       desc,
		ProviderReference: cc.IntentID,
	}, nil
}
