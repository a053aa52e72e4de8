package service

import (
	"fmt"
	"sort"
	"sync"

	dcm "github.com/samsamfire/godcm"
	log "github.com/sirupsen/logrus"
)

// Service table entry
type Entry struct {
	SID     byte
	Name    string
	Handler dcm.Handler
	Kind    dcm.HandlerKind
	Mode    dcm.Mode
	// First request byte is a sub function carrying the suppress positive bit
	SubFunction bool
	// Minimum request length, SID excluded
	MinLength int
	// Called for external handlers once the response is confirmed
	Confirmation dcm.ConfirmationFunc
	// Send a response pending before calling the handler
	RespPendOnStart bool
	// Protocols the service is available on, all when empty
	Protocols []dcm.ProtocolID
}

func (e *Entry) availableOn(id dcm.ProtocolID) bool {
	if len(e.Protocols) == 0 {
		return true
	}
	for _, p := range e.Protocols {
		if p == id {
			return true
		}
	}
	return false
}

// Service table shared by all protocols
type Registry struct {
	mu      sync.RWMutex
	logger  *log.Entry
	entries map[byte]Entry
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		logger:  logger.WithField("service", "[SVC]"),
		entries: make(map[byte]Entry),
	}
}

func (r *Registry) Register(entry Entry) error {
	if entry.Handler == nil || entry.SID == dcm.NegativeResponseSid {
		return dcm.ErrIllegalArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.SID]; ok {
		return fmt.Errorf("%w : service %x already registered", dcm.ErrIllegalArgument, entry.SID)
	}
	r.entries[entry.SID] = entry
	r.logger.Debugf("registered service %x %v (%v, mode %v)", entry.SID, entry.Name, entry.Kind, entry.Mode)
	return nil
}

// Modify a registered entry in place
func (r *Registry) Update(sid byte, update func(e *Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sid]
	if !ok {
		return fmt.Errorf("%w : %x", dcm.ErrUnknownService, sid)
	}
	update(&entry)
	entry.SID = sid
	r.entries[sid] = entry
	return nil
}

func (r *Registry) Remove(sid byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sid)
}

func (r *Registry) Lookup(id dcm.ProtocolID, sid byte) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sid]
	if !ok || !entry.availableOn(id) {
		return Entry{}, false
	}
	return entry, true
}

// Registered service identifiers in ascending order
func (r *Registry) SIDs() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sids := make([]byte, 0, len(r.entries))
	for sid := range r.entries {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
	return sids
}
