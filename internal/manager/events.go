// Package manager implements the top-level plugin manager: it wires
// configuration, the security layer, the loader, and the sandboxes
// behind one public surface and emits lifecycle events to observers.
package manager

import (
	"sync"
	"time"
)

// Event is one lifecycle notification delivered to observers.
type Event struct {
	Name      string
	PluginID  string
	Timestamp time.Time
	Detail    map[string]any
}

// Observer receives events. Delivery is synchronous in emission order,
// so observers see one plugin's lifecycle events in program order, and
// a dependency's activation strictly before its dependents'.
type Observer func(Event)

// observerList is the Manager's in-process notification fan-out,
// distinct from the sandboxed Events capability facade.
type observerList struct {
	mu        sync.RWMutex
	byEvent   map[string][]Observer
	catchAlls []Observer
}

func newObserverList() *observerList {
	return &observerList{byEvent: make(map[string][]Observer)}
}

// subscribe registers fn for one event name, or every event when name
// is "*".
func (o *observerList) subscribe(name string, fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if name == "*" {
		o.catchAlls = append(o.catchAlls, fn)
		return
	}
	o.byEvent[name] = append(o.byEvent[name], fn)
}

func (o *observerList) emit(name, pluginID string, detail map[string]any) {
	evt := Event{Name: name, PluginID: pluginID, Timestamp: time.Now(), Detail: detail}

	o.mu.RLock()
	handlers := append([]Observer(nil), o.byEvent[name]...)
	handlers = append(handlers, o.catchAlls...)
	o.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() { _ = recover() }()
			fn(evt)
		}()
	}
}
