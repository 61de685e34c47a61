package fanout

import (
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
)

// accept runs the filter chain for one subscription: no-local, reliability
// class, importing, cluster sharing, then the selector. A subscription that
// fails any of them is skipped and consumes no message reference.
func (p *publish) accept(sub *subscription.Subscription) bool {
	msg := p.msg
	if sub.Options.Has(delivery.NoLocal) && p.req.PublisherID != "" && sub.ClientID == p.req.PublisherID {
		return false
	}
	if sub.Options.Has(delivery.ReliableOnly) && msg.Unreliable() {
		return false
	}
	if sub.Options.Has(delivery.UnreliableOnly) && !msg.Unreliable() {
		return false
	}
	if sub.Importing() {
		return false
	}
	if p.req.Options.FromForwarder && !sub.Options.Has(delivery.ShareWithCluster) {
		return false
	}

	rule := sub.Selector
	if rule == nil {
		rule = p.e.cfg.DefaultSelector
	}
	if rule == nil {
		return true
	}
	return p.selects(rule)
}

// selects evaluates rule against the message. Rules with the same
// expression select identically, so each expression is evaluated once per
// publish. Unknown counts as no match.
func (p *publish) selects(rule selector.Rule) bool {
	ev := p.e.cfg.Evaluator
	if ev == nil {
		return true
	}
	expr := rule.Expression()
	if ok, cached := p.selections[expr]; cached {
		p.e.stats.selectorCacheHits.Add(1)
		return ok
	}
	if p.selections == nil {
		p.selections = make(map[string]bool)
	}

	p.e.stats.selectorEvaluations.Add(1)
	result := ev.Evaluate(p.msg, p.msg.Topic, rule)
	if result == selector.Unknown {
		p.e.log.Debug("fanout: selector could not be evaluated", "topic", p.msg.Topic, "selector", expr)
	}
	ok := result == selector.Match
	p.selections[expr] = ok
	return ok
}

// Accepts runs the filter chain for msg against sub outside a publish, as
// when retained messages are offered to a new subscription.
func (e *Engine) Accepts(sub *subscription.Subscription, msg *message.Message) bool {
	p := &publish{e: e, msg: msg}
	return p.accept(sub)
}
