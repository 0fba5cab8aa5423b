// Package pairing is the device pairing state machine of one tenant.
//
// Transition is pure: it takes the current state, one input and the facts it needs, and
// returns the next state plus the ordered effects the caller must apply.
package pairing

import (
	"strings"
	"time"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

// State of a tenant's pairing.
type State string

const (
	Unpaired       State = "unpaired"
	CodeIssued     State = "code_issued"
	Authenticated  State = "authenticated"
	Ready          State = "ready"
	Disconnected   State = "disconnected"
	Reinitializing State = "reinitializing"
)

// InputKind names what happened.
type InputKind int

const (
	InputCode InputKind = iota
	InputAuthenticated
	InputReady
	InputAuthFailure
	InputDisconnected
	// InputInitFailed means the handle could not be created or started.
	InputInitFailed
	// InputPairingTimeout is fired by the watchdog.
	InputPairingTimeout
)

func (k InputKind) String() string {
	switch k {
	case InputCode:
		return "code"
	case InputAuthenticated:
		return "authenticated"
	case InputReady:
		return "ready"
	case InputAuthFailure:
		return "auth_failure"
	case InputDisconnected:
		return "disconnected"
	case InputInitFailed:
		return "init_failed"
	case InputPairingTimeout:
		return "pairing_timeout"
	}
	return "unknown"
}

// Input is one event fed to the machine.
type Input struct {
	Kind    InputKind
	Code    string
	Account model.AccountInfo
	Reason  string
}

// Facts is the context a transition may need.
type Facts struct {
	// PreviousAccount is the linked account stored before this ready.
	PreviousAccount string
	LastSyncAt      *time.Time
	Now             time.Time
	StaleSyncAfter  time.Duration
	// ReinitInFlight is set when an automatic re-acquire is already scheduled or running.
	ReinitInFlight    bool
	ReconnectCooldown time.Duration
}

// EffectKind names a side effect.
type EffectKind int

const (
	EffectPublish EffectKind = iota
	EffectCacheCode
	EffectClearCode
	EffectWipe
	EffectPersistAccount
	EffectStartSync
	EffectTeardown
	EffectScheduleReinit
)

func (k EffectKind) String() string {
	switch k {
	case EffectPublish:
		return "publish"
	case EffectCacheCode:
		return "cache_code"
	case EffectClearCode:
		return "clear_code"
	case EffectWipe:
		return "wipe"
	case EffectPersistAccount:
		return "persist_account"
	case EffectStartSync:
		return "start_sync"
	case EffectTeardown:
		return "teardown"
	case EffectScheduleReinit:
		return "schedule_reinit"
	}
	return "unknown"
}

// Effect is one side effect, applied in order.
type Effect struct {
	Kind    EffectKind
	Event   model.EventType
	Payload interface{}
	Code    string
	Account model.AccountInfo
	// Reason explains a wipe or a teardown.
	Reason string
	Delay  time.Duration
}

func publish(event model.EventType, payload interface{}) Effect {
	return Effect{Kind: EffectPublish, Event: event, Payload: payload}
}

// Transition applies one input.
func Transition(from State, in Input, f Facts) (State, []Effect) {
	switch in.Kind {
	case InputCode:
		return CodeIssued, []Effect{
			{Kind: EffectCacheCode, Code: in.Code},
			publish(model.EventPairingCode, model.PairingCodePayload{Code: in.Code}),
		}

	case InputAuthenticated:
		return Authenticated, []Effect{
			{Kind: EffectClearCode},
			publish(model.EventAuthenticated, nil),
		}

	case InputReady:
		var effects []Effect
		wipe := DecideWipe(f.PreviousAccount, in.Account.Account, f.LastSyncAt, f.Now, f.StaleSyncAfter)
		if wipe.Wipe {
			effects = append(effects, Effect{Kind: EffectWipe, Reason: wipe.Reason})
		}
		effects = append(effects,
			Effect{Kind: EffectClearCode},
			Effect{Kind: EffectPersistAccount, Account: in.Account},
			publish(model.EventReady, model.ReadyPayload{
				LinkedAccount: in.Account.Account,
				PushName:      in.Account.PushName,
				DataCleared:   wipe.Wipe,
			}),
			Effect{Kind: EffectStartSync},
		)
		return Ready, effects

	case InputAuthFailure:
		return Unpaired, []Effect{
			publish(model.EventAuthFailure, model.ErrorPayload{Reason: in.Reason}),
			{Kind: EffectClearCode},
			{Kind: EffectTeardown, Reason: "auth_failure"},
		}

	case InputDisconnected:
		effects := []Effect{{Kind: EffectTeardown, Reason: in.Reason}}
		if IsUnrecoverable(in.Reason) && !f.ReinitInFlight {
			effects = append(effects, Effect{Kind: EffectScheduleReinit, Delay: f.ReconnectCooldown, Reason: in.Reason})
			return Reinitializing, effects
		}
		return Disconnected, effects

	case InputInitFailed:
		return Unpaired, []Effect{
			{Kind: EffectClearCode},
			{Kind: EffectTeardown, Reason: "init_error"},
			publish(model.EventInitError, model.ErrorPayload{Reason: in.Reason}),
		}

	case InputPairingTimeout:
		if from != Unpaired && from != Reinitializing {
			return from, nil
		}
		reason := in.Reason
		if reason == "" {
			reason = "timed out waiting for pairing code"
		}
		return Unpaired, []Effect{
			{Kind: EffectTeardown, Reason: "pairing_timeout"},
			publish(model.EventInitError, model.ErrorPayload{Reason: reason}),
		}
	}
	return from, nil
}

// WipeDecision says whether a tenant's mirrored data must be deleted on ready.
type WipeDecision struct {
	Wipe   bool
	Reason string
}

// Wipe reasons.
const (
	WipeDeviceChanged = "device_changed"
	WipeStaleOrphan   = "stale_orphan"
)

// DecideWipe compares the stored and the newly reported linked account.
func DecideWipe(previous, next string, lastSync *time.Time, now time.Time, staleAfter time.Duration) WipeDecision {
	if previous != "" && next != "" && previous != next {
		return WipeDecision{Wipe: true, Reason: WipeDeviceChanged}
	}
	if StaleOrphan(previous, lastSync, now, staleAfter) {
		return WipeDecision{Wipe: true, Reason: WipeStaleOrphan}
	}
	return WipeDecision{}
}

// StaleOrphan reports data synced under no confirmed account whose last sync is older than staleAfter.
func StaleOrphan(linkedAccount string, lastSync *time.Time, now time.Time, staleAfter time.Duration) bool {
	if linkedAccount != "" || lastSync == nil {
		return false
	}
	return now.Sub(*lastSync) > staleAfter
}

var unrecoverableMarkers = []string{
	"logout",
	"conflict",
	"unpaired",
	"navigation",
	"connection lost",
	"connection_lost",
	"lost connection",
}

// IsUnrecoverable reports whether a disconnect reason leaves the client unable to resume
// without a new pairing code.
func IsUnrecoverable(reason string) bool {
	r := strings.ToLower(reason)
	for _, m := range unrecoverableMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}
