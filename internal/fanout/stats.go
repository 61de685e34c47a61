package fanout

import "sync/atomic"

// Stats are engine-wide publish counters.
type Stats struct {
	Publishes           int64 `json:"publishes"`
	Failures            int64 `json:"failures"`
	Delivered           int64 `json:"delivered"`
	Skipped             int64 `json:"skipped"`
	Rejected            int64 `json:"rejected"`
	NoDestinations      int64 `json:"noDestinations"`
	RetainedUpdates     int64 `json:"retainedUpdates"`
	RetainedSuperseded  int64 `json:"retainedSuperseded"`
	ForwardedIn         int64 `json:"forwardedIn"`
	ForwardedInBytes    int64 `json:"forwardedInBytes"`
	ForwardedOut        int64 `json:"forwardedOut"`
	SelectorEvaluations int64 `json:"selectorEvaluations"`
	SelectorCacheHits   int64 `json:"selectorCacheHits"`
}

type counters struct {
	publishes           atomic.Int64
	failures            atomic.Int64
	delivered           atomic.Int64
	skipped             atomic.Int64
	rejected            atomic.Int64
	noDestinations      atomic.Int64
	retainedUpdates     atomic.Int64
	superseded          atomic.Int64
	forwardedIn         atomic.Int64
	forwardedInBytes    atomic.Int64
	forwardedOut        atomic.Int64
	selectorEvaluations atomic.Int64
	selectorCacheHits   atomic.Int64
}

// record adds a successful publish to the engine counters and to the
// publisher's resource set.
func (e *Engine) record(p *publish) {
	s := &e.stats
	s.publishes.Add(1)
	s.delivered.Add(int64(p.res.Delivered))
	s.skipped.Add(int64(p.res.Skipped))
	s.rejected.Add(int64(p.res.Rejected))
	if p.res.Candidates() == 0 && !p.req.Options.OnlyUpdateRetained {
		s.noDestinations.Add(1)
	}
	if p.res.RetainedUpdated {
		s.retainedUpdates.Add(1)
	}
	if p.req.Options.FromForwarder {
		s.forwardedIn.Add(1)
		s.forwardedInBytes.Add(int64(len(p.msg.Payload)))
		// Forwarded traffic is not charged to a local publisher.
		return
	}

	if e.cfg.Registry == nil || p.req.PublisherID == "" {
		return
	}
	if rs := e.cfg.Registry.ResourceSetOf(p.req.PublisherID); rs != nil {
		rs.RecordPublish(p.msg.Reliability, int64(len(p.msg.Payload)), p.res.Delivered)
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := &e.stats
	return Stats{
		Publishes:           s.publishes.Load(),
		Failures:            s.failures.Load(),
		Delivered:           s.delivered.Load(),
		Skipped:             s.skipped.Load(),
		Rejected:            s.rejected.Load(),
		NoDestinations:      s.noDestinations.Load(),
		RetainedUpdates:     s.retainedUpdates.Load(),
		RetainedSuperseded:  s.superseded.Load(),
		ForwardedIn:         s.forwardedIn.Load(),
		ForwardedInBytes:    s.forwardedInBytes.Load(),
		ForwardedOut:        s.forwardedOut.Load(),
		SelectorEvaluations: s.selectorEvaluations.Load(),
		SelectorCacheHits:   s.selectorCacheHits.Load(),
	}
}
