package core

import "testing"

func TestEventBusFireStopsAtHandler(t *testing.T) {
	bus := NewEventBus()
	var calls []string
	first, second := "first", "second"
	bus.Register(EVENT_CODE_RESIZED, first, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, listener.(string))
		return data.Data.U32[0] == 0
	})
	bus.Register(EVENT_CODE_RESIZED, second, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, listener.(string))
		return true
	})
	if bus.Register(EVENT_CODE_RESIZED, first, func(SystemEventCode, interface{}, interface{}, EventContext) bool { return false }) {
		t.Fatal("duplicate listener registered")
	}

	ctx := EventContext{}
	ctx.Data.U32[0] = 800
	if !bus.Fire(EVENT_CODE_RESIZED, nil, ctx) {
		t.Fatal("event not handled")
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v", calls)
	}

	bus.Unregister(EVENT_CODE_RESIZED, second)
	calls = nil
	if bus.Fire(EVENT_CODE_RESIZED, nil, ctx) {
		t.Fatal("event handled after unregister")
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
}
