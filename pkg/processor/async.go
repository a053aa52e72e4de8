package processor

import (
	"context"

	dcm "github.com/samsamfire/godcm"
)

// Run the async handler worker until ctx is done. Handlers triggered in
// async mode execute here, outside of the tick, and only publish their
// result to the slot.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Debug("async worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("async worker stopped")
			return ctx.Err()
		case run := <-p.trigger:
			result := execute(run.handler, run.kind, run.op, run.msg)
			p.publish(run, result)
		}
	}
}

func (p *Processor) publish(run asyncRun, result dcm.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.context(run.group)
	if err != nil || c.generation != run.generation || c.Phase != PhaseRunning {
		p.logger.Debugf("dropping stale async result %v of group %v", result, run.group)
		return
	}
	c.Result = result
	c.runMsg = run.msg
	c.Phase = PhaseResultAvailable
}

// Whether an async run is outstanding on any group
func (p *Processor) AsyncRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asyncBusy
}
