package pool

// Flagged returns the queued entries flagged for removal.
func (p *Pool[K, P]) Flagged() []*Entry[P] {
	p.mx.Lock()
	defer p.mx.Unlock()
	var ret []*Entry[P]
	for _, q := range p.queues {
		for _, e := range q {
			if e.remove {
				ret = append(ret, e)
			}
		}
	}
	return ret
}

// Live returns the number of entries not flagged for removal.
func (p *Pool[K, P]) Live() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.live()
}
