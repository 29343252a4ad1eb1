// Package observe implements listener registration with explicit handles.
// A Registry is not safe for concurrent use; it lives on the event loop
// together with the component that owns it.
package observe

// Handle releases one registration. Release is idempotent.
type Handle struct {
	release func()
}

// Release removes the registration. Calling it again is a no-op.
func (h *Handle) Release() {
	if h == nil || h.release == nil {
		return
	}
	fn := h.release
	h.release = nil
	fn()
}

// Registry holds listeners for values of type T.
type Registry[T any] struct {
	nextID    int
	order     []int
	listeners map[int]func(T)
}

// Add registers fn and returns the handle that removes it.
func (r *Registry[T]) Add(fn func(T)) *Handle {
	if r.listeners == nil {
		r.listeners = make(map[int]func(T))
	}
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.order = append(r.order, id)
	return &Handle{release: func() { r.remove(id) }}
}

func (r *Registry[T]) remove(id int) {
	delete(r.listeners, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Emit calls every listener in registration order. Listeners released
// during Emit are not called afterwards.
func (r *Registry[T]) Emit(v T) {
	ids := append([]int(nil), r.order...)
	for _, id := range ids {
		if fn, ok := r.listeners[id]; ok {
			fn(v)
		}
	}
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	return len(r.listeners)
}

// Group releases a set of handles together, e.g. everything a session registered.
type Group struct {
	handles []*Handle
}

func (g *Group) Add(handles ...*Handle) {
	g.handles = append(g.handles, handles...)
}

// Release releases every handle in the group and empties it.
func (g *Group) Release() {
	for i := len(g.handles) - 1; i >= 0; i-- {
		g.handles[i].Release()
	}
	g.handles = nil
}
