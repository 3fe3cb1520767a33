package mempool

import "sort"

// Evict removes the lowest fee-rate transactions (oldest arrivals kept on
// ties) until the pool is at or below its byte-size cap.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.totalBytes <= p.maxBytes {
		return 0
	}

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate < entries[j].feeRate
		}
		return entries[i].seq > entries[j].seq
	})

	evicted := 0
	for i := 0; p.totalBytes > p.maxBytes && i < len(entries); i++ {
		p.removeLocked(entries[i].txHash)
		evicted++
	}
	return evicted
}
