package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/buffer"
	"github.com/samsamfire/godcm/pkg/can"
	"github.com/samsamfire/godcm/pkg/config"
	"github.com/samsamfire/godcm/pkg/processor"
	"github.com/samsamfire/godcm/pkg/protocol"
	"github.com/samsamfire/godcm/pkg/service"
	"github.com/samsamfire/godcm/pkg/supervisor"
	"github.com/samsamfire/godcm/pkg/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine wires buffers, processor, services, supervisor, protocols and
// transport together and advances them with one tick function
type Engine struct {
	cfg       *config.Config
	logger    *log.Entry
	pool      *buffer.Pool
	proc      *processor.Processor
	registry  *service.Registry
	server    *service.Server
	sup       *supervisor.Supervisor
	bm        *transport.BusManager
	transport *transport.Transport
	protocols []*protocol.Protocol
	byID      map[dcm.ProtocolID]*protocol.Protocol
	ticks     atomic.Uint64
}

// Create an engine on bus, bus should be connected by the caller
func New(cfg *config.Config, bus can.Bus, logger *log.Logger) (*Engine, error) {
	if cfg == nil || bus == nil {
		return nil, dcm.ErrIllegalArgument
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.WithField("service", "[DCM]"),
		byID:   make(map[dcm.ProtocolID]*protocol.Protocol),
	}
	var err error
	e.pool, err = buffer.NewPool(cfg.General.BufferCount, cfg.General.BufferSize)
	if err != nil {
		return nil, err
	}
	e.proc, err = processor.NewProcessor(len(cfg.Groups), logger)
	if err != nil {
		return nil, err
	}
	first := cfg.Protocols[0]
	e.registry = service.NewRegistry(logger)
	e.server = service.NewServer(uint16(first.P2Ms), uint16(first.P2StarMs), logger)
	if err := e.server.Register(e.registry); err != nil {
		return nil, err
	}
	if err := cfg.ApplyServices(e.registry); err != nil {
		return nil, err
	}
	e.sup, err = supervisor.NewSupervisor(e.pool, e.registry, logger)
	if err != nil {
		return nil, err
	}
	e.bm, err = transport.NewBusManager(bus)
	if err != nil {
		return nil, err
	}
	e.transport, err = transport.NewTransport(e.bm, logger)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Protocols {
		pcfg, err := cfg.ProtocolConfig(p)
		if err != nil {
			return nil, err
		}
		pcfg.Periodic = e.server.Periodic
		instance, err := protocol.NewProtocol(pcfg, e.proc, e.transport, e.sup, e.registry, logger)
		if err != nil {
			return nil, fmt.Errorf("protocol %q : %w", p.Name, err)
		}
		if err := e.sup.Register(instance); err != nil {
			return nil, err
		}
		if err := e.transport.AddConnection(cfg.Connection(p), instance); err != nil {
			return nil, fmt.Errorf("protocol %q : %w", p.Name, err)
		}
		e.protocols = append(e.protocols, instance)
		e.byID[instance.ID()] = instance
	}
	sort.Slice(e.protocols, func(i, j int) bool { return e.protocols[i].ID() < e.protocols[j].ID() })
	if cfg.General.BusyResponse {
		e.sup.SetBusyResponder(e.transport)
	}
	e.transport.SetReceiver(e.sup)
	e.logger.Infof("engine ready with %v protocols in %v groups", len(e.protocols), len(cfg.Groups))
	return e, nil
}

// Advance every component by one tick. Returned errors wrap
// dcm.ErrContractViolation and are not recoverable.
func (e *Engine) Process() error {
	for _, p := range e.protocols {
		p.PreDispatch()
	}
	errs := e.transport.Process()
	for _, p := range e.protocols {
		if _, err := p.Dispatch(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	for _, p := range e.protocols {
		p.ProcessTimers()
	}
	e.ticks.Add(1)
	return errs
}

// Run the tick loop and the async worker until ctx is done or a
// contract violation occurs
func (e *Engine) Run(ctx context.Context) error {
	period := time.Duration(e.cfg.General.TickMs) * time.Millisecond
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.proc.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		e.logger.Infof("running with a tick of %v", period)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := e.Process(); err != nil {
					if errors.Is(err, dcm.ErrContractViolation) {
						return err
					}
					e.logger.Warnf("tick %v : %v", e.ticks.Load(), err)
				}
			}
		}
	})
	return g.Wait()
}

// Start a response on event job on protocol id
func (e *Engine) StartRoe(id dcm.ProtocolID, data []byte, type2 bool) error {
	return e.sup.StartRoe(id, data, type2)
}

// Start a periodic transmission job on protocol id, data holds the service
// id and periodic identifier
func (e *Engine) StartPeriodic(id dcm.ProtocolID, data []byte) error {
	return e.sup.StartPeriodic(id, data)
}

// Finish the request that triggered a jump to the bootloader
func (e *Engine) ReturnFromBootloader(id dcm.ProtocolID, data []byte, responseRequired bool) error {
	return e.sup.ReturnFromBootloader(id, data, responseRequired)
}

func (e *Engine) SetCommunication(id dcm.ProtocolID, enabled bool) error {
	return e.sup.SetCommunication(id, enabled)
}

func (e *Engine) Protocol(id dcm.ProtocolID) (*protocol.Protocol, bool) {
	p, ok := e.byID[id]
	return p, ok
}

func (e *Engine) Server() *service.Server {
	return e.server
}

func (e *Engine) Registry() *service.Registry {
	return e.registry
}

func (e *Engine) Supervisor() *supervisor.Supervisor {
	return e.sup
}

func (e *Engine) Pool() *buffer.Pool {
	return e.pool
}

// Number of ticks processed
func (e *Engine) Ticks() uint64 {
	return e.ticks.Load()
}
