package core

import (
	"reflect"
	"sync"
)

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Keyboard key pressed.
	/* Context usage:
	 * key := context.Data.(KeyCode)
	 */
	EVENT_CODE_KEY_PRESSED SystemEventCode = 0x02

	// Keyboard key released.
	/* Context usage:
	 * key := context.Data.(KeyCode)
	 */
	EVENT_CODE_KEY_RELEASED SystemEventCode = 0x03

	// Resized/resolution changed from the OS.
	/* Context usage:
	 * se := context.Data.(*SystemEvent)
	 */
	EVENT_CODE_RESIZED SystemEventCode = 0x08

	// The scene settings file was reloaded.
	/* Context usage:
	 * settings := context.Data.(config.Settings)
	 */
	EVENT_CODE_SETTINGS_CHANGED SystemEventCode = 0x09

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// KeyCode is a platform independent key.
type KeyCode uint16

const (
	KEY_UNKNOWN KeyCode = 0x00
	KEY_ESCAPE  KeyCode = 0x1B
	KEY_SPACE   KeyCode = 0x20
)

type EventContext struct {
	Type SystemEventCode
	Data any
}

// SystemEvent carries the framebuffer size of EVENT_CODE_RESIZED.
type SystemEvent struct {
	WindowWidth  uint32
	WindowHeight uint32
}

// Should return true if handled.
type FnOnEvent func(context EventContext) bool

type registeredEvent struct {
	listener any
	callback FnOnEvent
}

type eventSystemState struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]registeredEvent
}

/**
 * Event system internal state.
 */
var eventState *eventSystemState

func EventInitialize() bool {
	if eventState != nil {
		return false
	}
	eventState = &eventSystemState{
		registered: make(map[SystemEventCode][]registeredEvent),
	}
	return true
}

func EventShutdown() error {
	eventState = nil
	return nil
}

func sameCallback(a, b FnOnEvent) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listener/callback combos will not be registered again and will cause this to return false.
 * @param code The event code to listen for.
 * @param listener The listener instance. Can be nil.
 * @param onEvent The callback invoked when the event code is fired.
 * @returns true if the event is successfully registered; otherwise false.
 */
func EventRegister(code SystemEventCode, listener any, onEvent FnOnEvent) bool {
	state := eventState
	if state == nil || onEvent == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, e := range state.registered[code] {
		if e.listener == listener && sameCallback(e.callback, onEvent) {
			LogWarn("event %d: listener already registered", code)
			return false
		}
	}
	state.registered[code] = append(state.registered[code], registeredEvent{listener: listener, callback: onEvent})
	return true
}

/**
 * Unregister from listening for when events are sent with the provided code.
 * @returns true if the event is successfully unregistered; false if no match was found.
 */
func EventUnregister(code SystemEventCode, listener any, onEvent FnOnEvent) bool {
	state := eventState
	if state == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	events := state.registered[code]
	for i, e := range events {
		if e.listener == listener && sameCallback(e.callback, onEvent) {
			state.registered[code] = append(events[:i:i], events[i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of its code. If a handler returns true the event is
 * considered handled and is not passed on to any more listeners.
 * @returns true if handled, otherwise false.
 */
func EventFire(context EventContext) bool {
	state := eventState
	if state == nil {
		return false
	}
	state.mu.RLock()
	events := state.registered[context.Type]
	state.mu.RUnlock()
	for _, e := range events {
		if e.callback(context) {
			return true
		}
	}
	return false
}
