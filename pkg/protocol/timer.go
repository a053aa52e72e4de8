package protocol

// P2 server timer, counted down once per tick. A timer started with
// zero expires on the next tick.
func (p *Protocol) startP2(ticks uint32) {
	p.p2Timer = ticks
	p.p2Running = true
}

func (p *Protocol) stopP2() {
	p.p2Running = false
	p.p2Timer = 0
}

// Remaining P2 ticks and whether the timer runs
func (p *Protocol) P2() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.p2Timer, p.p2Running
}
