package conversion

import (
	"encoding/hex"
	"strconv"

	"marginvault/core/types"
)

const (
	EventTypeConversionCreated      = "conversion.created"
	EventTypeConversionExecuted     = "conversion.executed"
	EventTypeConversionCancelled    = "conversion.cancelled"
	EventTypeConversionCancelFailed = "conversion.cancel_failed"
	EventTypeConversionFailed       = "conversion.failed"
	EventTypeConversionRetried      = "conversion.retried"
	EventTypeHandlerUpdated         = "conversion.handler_updated"
	EventTypeLiquidatorUpdated      = "conversion.liquidator_updated"
	EventTypeConverterUpdated       = "conversion.converter_updated"
	EventTypeFactoryBound           = "conversion.factory_bound"
	EventTypeGasLimitUpdated        = "conversion.callback_gas_limit_updated"
	EventTypeMarketRegistered       = "conversion.market_registered"
	EventTypeVaultRegistered        = "conversion.vault_registered"
)

type conversionEvent struct {
	evt *types.Event
}

func (e conversionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e conversionEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical payload for a newly initiated
// conversion.
func NewCreatedEvent(p *PendingConversion) *types.Event {
	return newPendingEvent(EventTypeConversionCreated, p, nil)
}

// NewExecutedEvent returns the payload emitted when a conversion settles
// successfully, including via a trade-consume leg.
func NewExecutedEvent(p *PendingConversion, extra map[string]string) *types.Event {
	return newPendingEvent(EventTypeConversionExecuted, p, extra)
}

// NewCancelledEvent returns the payload emitted when the original input is
// refunded.
func NewCancelledEvent(p *PendingConversion) *types.Event {
	return newPendingEvent(EventTypeConversionCancelled, p, nil)
}

// NewCancelFailedEvent returns the payload emitted when a refund attempt is
// downgraded to retryable.
func NewCancelFailedEvent(p *PendingConversion, reason string) *types.Event {
	return newPendingEvent(EventTypeConversionCancelFailed, p, map[string]string{"reason": reason})
}

// NewFailedEvent returns the payload emitted when a resolution step reverted
// downstream and the conversion was flipped to retryable.
func NewFailedEvent(p *PendingConversion, reason string) *types.Event {
	return newPendingEvent(EventTypeConversionFailed, p, map[string]string{"reason": reason})
}

// NewRetriedEvent returns the payload emitted when a handler re-attempts a
// retryable conversion.
func NewRetriedEvent(p *PendingConversion) *types.Event {
	return newPendingEvent(EventTypeConversionRetried, p, nil)
}

// NewVaultRegisteredEvent returns the payload emitted when a factory creates a
// vault record.
func NewVaultRegisteredEvent(rec *VaultRecord) *types.Event {
	attrs := make(map[string]string)
	if rec != nil {
		attrs["vault"] = hex.EncodeToString(rec.Vault[:])
		attrs["owner"] = hex.EncodeToString(rec.Owner[:])
		attrs["factory"] = hex.EncodeToString(rec.Factory[:])
	}
	return &types.Event{Type: EventTypeVaultRegistered, Attributes: attrs}
}

// NewHandlerUpdatedEvent returns the payload for a handler grant or revoke.
func NewHandlerUpdatedEvent(handler [20]byte, trusted bool) *types.Event {
	return &types.Event{Type: EventTypeHandlerUpdated, Attributes: map[string]string{
		"handler": hex.EncodeToString(handler[:]),
		"trusted": strconv.FormatBool(trusted),
	}}
}

// NewLiquidatorUpdatedEvent returns the payload for a liquidator grant or
// revoke.
func NewLiquidatorUpdatedEvent(liquidator [20]byte, trusted bool) *types.Event {
	return &types.Event{Type: EventTypeLiquidatorUpdated, Attributes: map[string]string{
		"liquidator": hex.EncodeToString(liquidator[:]),
		"trusted":    strconv.FormatBool(trusted),
	}}
}

// NewConverterUpdatedEvent returns the payload for a converter grant or revoke.
func NewConverterUpdatedEvent(factory, converter [20]byte, trusted bool) *types.Event {
	return &types.Event{Type: EventTypeConverterUpdated, Attributes: map[string]string{
		"factory":   hex.EncodeToString(factory[:]),
		"converter": hex.EncodeToString(converter[:]),
		"trusted":   strconv.FormatBool(trusted),
	}}
}

// NewFactoryBoundEvent returns the payload for a factory-to-trader binding.
func NewFactoryBoundEvent(binding TraderBinding) *types.Event {
	return &types.Event{Type: EventTypeFactoryBound, Attributes: map[string]string{
		"factory":   hex.EncodeToString(binding.Factory[:]),
		"wrapper":   hex.EncodeToString(binding.Wrapper[:]),
		"unwrapper": hex.EncodeToString(binding.Unwrapper[:]),
	}}
}

// NewGasLimitUpdatedEvent returns the payload for a callback gas ceiling
// change.
func NewGasLimitUpdatedEvent(limit uint64) *types.Event {
	return &types.Event{Type: EventTypeGasLimitUpdated, Attributes: map[string]string{
		"limit": strconv.FormatUint(limit, 10),
	}}
}

// NewMarketRegisteredEvent returns the payload for a market registration.
func NewMarketRegisteredEvent(market Market) *types.Event {
	return &types.Event{Type: EventTypeMarketRegistered, Attributes: map[string]string{
		"market":      market.ID,
		"marketToken": market.MarketToken,
		"longToken":   market.LongToken,
		"shortToken":  market.ShortToken,
	}}
}

func newPendingEvent(eventType string, p *PendingConversion, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		sanitized, err := SanitizePending(p)
		if err == nil {
			attrs["key"] = hex.EncodeToString(sanitized.Key[:])
			attrs["vault"] = hex.EncodeToString(sanitized.Vault[:])
			attrs["subAccount"] = strconv.FormatUint(sanitized.SubAccount, 10)
			attrs["reason"] = sanitized.Reason.String()
			attrs["inputToken"] = sanitized.InputToken
			attrs["inputAmount"] = sanitized.InputAmount.String()
			attrs["outputToken"] = sanitized.OutputToken
			attrs["outputMinAmount"] = sanitized.OutputMinAmount.String()
			attrs["retryable"] = strconv.FormatBool(sanitized.Retryable)
			if sanitized.EscrowedAmount.Sign() > 0 {
				attrs["escrowedAmount"] = sanitized.EscrowedAmount.String()
			}
			if sanitized.FromLiquidation {
				attrs["fromLiquidation"] = "true"
			}
		}
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
