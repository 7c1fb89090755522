package conversion

import (
	"sync"

	"marginvault/core/events"
)

// TraderBinding maps an isolated-collateral factory to its wrapper/unwrapper
// pair.
type TraderBinding struct {
	Factory   [20]byte
	Wrapper   [20]byte
	Unwrapper [20]byte
}

// HandlerRegistry is the capability table gating every resolution entry point.
// It tracks the trusted callback callers (handlers), whitelisted liquidators,
// factory-approved converters, per-venue callback gas ceiling, venue market
// definitions and factory-to-trader bindings. All setters are owner-only,
// reject the zero address and emit change events.
type HandlerRegistry struct {
	mu sync.RWMutex

	owner            [20]byte
	emitter          events.Emitter
	handlers         map[[20]byte]bool
	liquidators      map[[20]byte]bool
	converters       map[[20]byte]map[[20]byte]bool
	bindings         map[[20]byte]TraderBinding
	markets          map[string]Market
	callbackGasLimit uint64
}

// NewHandlerRegistry constructs a registry owned by the governance address.
func NewHandlerRegistry(owner [20]byte) *HandlerRegistry {
	return &HandlerRegistry{
		owner:       owner,
		emitter:     events.NoopEmitter{},
		handlers:    make(map[[20]byte]bool),
		liquidators: make(map[[20]byte]bool),
		converters:  make(map[[20]byte]map[[20]byte]bool),
		bindings:    make(map[[20]byte]TraderBinding),
		markets:     make(map[string]Market),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *HandlerRegistry) SetEmitter(emitter events.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *HandlerRegistry) emit(evt events.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(evt)
}

func (r *HandlerRegistry) requireOwner(caller [20]byte) error {
	if caller != r.owner {
		return ErrUnauthorized
	}
	return nil
}

func isZeroAddress(addr [20]byte) bool { return addr == ([20]byte{}) }

// SetHandler grants or revokes a trusted callback caller.
func (r *HandlerRegistry) SetHandler(caller, handler [20]byte, trusted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if isZeroAddress(handler) {
		return ErrZeroAddress
	}
	if trusted {
		r.handlers[handler] = true
	} else {
		delete(r.handlers, handler)
	}
	r.emit(conversionEvent{evt: NewHandlerUpdatedEvent(handler, trusted)})
	return nil
}

// IsHandler reports whether the address may deliver resolution callbacks.
func (r *HandlerRegistry) IsHandler(addr [20]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[addr]
}

// SetLiquidator grants or revokes a whitelisted liquidator.
func (r *HandlerRegistry) SetLiquidator(caller, liquidator [20]byte, trusted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if isZeroAddress(liquidator) {
		return ErrZeroAddress
	}
	if trusted {
		r.liquidators[liquidator] = true
	} else {
		delete(r.liquidators, liquidator)
	}
	r.emit(conversionEvent{evt: NewLiquidatorUpdatedEvent(liquidator, trusted)})
	return nil
}

// IsLiquidator reports whether the address may prepare liquidations.
func (r *HandlerRegistry) IsLiquidator(addr [20]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liquidators[addr]
}

// SetConverter marks a converter as trusted for vaults of the given factory.
func (r *HandlerRegistry) SetConverter(caller, factory, converter [20]byte, trusted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if isZeroAddress(factory) || isZeroAddress(converter) {
		return ErrZeroAddress
	}
	set, ok := r.converters[factory]
	if !ok {
		set = make(map[[20]byte]bool)
		r.converters[factory] = set
	}
	if trusted {
		set[converter] = true
	} else {
		delete(set, converter)
	}
	r.emit(conversionEvent{evt: NewConverterUpdatedEvent(factory, converter, trusted)})
	return nil
}

// IsTrustedConverter reports whether the converter may initiate conversions on
// behalf of vaults created by the factory.
func (r *HandlerRegistry) IsTrustedConverter(factory, converter [20]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.converters[factory][converter]
}

// BindFactory records the wrapper/unwrapper pair serving a factory.
func (r *HandlerRegistry) BindFactory(caller [20]byte, binding TraderBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if isZeroAddress(binding.Factory) || isZeroAddress(binding.Wrapper) || isZeroAddress(binding.Unwrapper) {
		return ErrZeroAddress
	}
	r.bindings[binding.Factory] = binding
	r.emit(conversionEvent{evt: NewFactoryBoundEvent(binding)})
	return nil
}

// Binding returns the trader pair bound to the factory.
func (r *HandlerRegistry) Binding(factory [20]byte) (TraderBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[factory]
	return binding, ok
}

// SetCallbackGasLimit configures the gas ceiling forwarded with venue requests.
func (r *HandlerRegistry) SetCallbackGasLimit(caller [20]byte, limit uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	r.callbackGasLimit = limit
	r.emit(conversionEvent{evt: NewGasLimitUpdatedEvent(limit)})
	return nil
}

// CallbackGasLimit returns the configured callback gas ceiling.
func (r *HandlerRegistry) CallbackGasLimit() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbackGasLimit
}

// RegisterMarket stores a venue market definition.
func (r *HandlerRegistry) RegisterMarket(caller [20]byte, market Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	sanitized, err := SanitizeMarket(market)
	if err != nil {
		return err
	}
	r.markets[sanitized.ID] = sanitized
	r.emit(conversionEvent{evt: NewMarketRegisteredEvent(sanitized)})
	return nil
}

// Market returns a registered market definition by identifier.
func (r *HandlerRegistry) Market(id string) (Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	market, ok := r.markets[id]
	return market, ok
}
