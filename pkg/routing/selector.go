package routing

// eligibleLocked returns the records that may serve req, in registration order.
// A provider is eligible when it is among the candidates, serves the model,
// is healthy, has a free concurrency slot, and is not excluded by the caller.
// Caller must hold the balancer lock.
func (b *Balancer) eligibleLocked(req SelectRequest) []*providerRecord {
	pool := b.candidatesLocked(req.Candidates)

	out := make([]*providerRecord, 0, len(pool))
	for _, rec := range pool {
		switch {
		case !rec.supports(req.Model):
			b.logger.Debug("provider excluded due to model capability",
				"provider", rec.id,
				"model", req.Model,
			)
		case !rec.healthy:
			b.logger.Debug("provider excluded due to health", "provider", rec.id)
		case rec.currentConcurrent >= rec.maxConcurrent:
			b.logger.Debug("provider excluded due to concurrency",
				"provider", rec.id,
				"current", rec.currentConcurrent,
				"max", rec.maxConcurrent,
			)
		case req.Exclude != nil && req.Exclude(rec.id):
			b.logger.Debug("provider excluded by caller", "provider", rec.id)
		default:
			out = append(out, rec)
		}
	}

	if len(out) < len(pool) {
		b.logger.Debug("filtered providers",
			"model", req.Model,
			"total", len(pool),
			"eligible", len(out),
		)
	}
	return out
}

// candidatesLocked maps candidate ids to registered records, keeping
// registration order. Unknown ids are skipped. Nil candidates means every
// registered provider. Caller must hold the balancer lock.
func (b *Balancer) candidatesLocked(candidates []string) []*providerRecord {
	if candidates == nil {
		out := make([]*providerRecord, 0, len(b.order))
		for _, id := range b.order {
			out = append(out, b.records[id])
		}
		return out
	}

	wanted := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		wanted[id] = struct{}{}
	}

	out := make([]*providerRecord, 0, len(candidates))
	for _, id := range b.order {
		if _, ok := wanted[id]; ok {
			out = append(out, b.records[id])
		}
	}
	return out
}

// supports reports whether the record serves model.
func (r *providerRecord) supports(model string) bool {
	if model == "" || len(r.capabilities) == 0 {
		return true
	}
	_, ok := r.capabilities[model]
	return ok
}
