package router

// TransportStats counts sends routed to one transport.
type TransportStats struct {
	Sent                uint64  `json:"sent"`
	Success             uint64  `json:"success"`
	Failed              uint64  `json:"failed"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AvgResponseMS       float64 `json:"avg_response_ms"`
}

// Stats is router delivery statistics.
type Stats struct {
	Total        uint64                    `json:"total"`
	Successful   uint64                    `json:"successful"`
	Failed       uint64                    `json:"failed"`
	Policy       Policy                    `json:"policy"`
	Primary      string                    `json:"primary"`
	PerTransport map[string]TransportStats `json:"per_transport"`
}

// Stats returns delivery statistics snapshot.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Stats{
		Total:        r.stats.total,
		Successful:   r.stats.successful,
		Failed:       r.stats.failed,
		Policy:       r.opts.DefaultPolicy,
		Primary:      r.primary,
		PerTransport: make(map[string]TransportStats, len(r.stats.perTransport)),
	}
	for id, st := range r.stats.perTransport {
		item := *st
		if h, ok := r.health[id]; ok {
			item.Healthy = h.Healthy
			item.ConsecutiveFailures = h.ConsecutiveFailures
			item.AvgResponseMS = float64(h.AvgResponse.Microseconds()) / 1000
		}
		out.PerTransport[id] = item
	}
	return out
}
