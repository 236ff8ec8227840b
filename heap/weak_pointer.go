package heap

// ---------------------------------------------------------------------------
// WeakPointer: an out-of-band reference that does not keep its object alive
// ---------------------------------------------------------------------------

// WeakCallback is invoked once the referent of a weak pointer has died.
// The address is informational: the object is gone.
type WeakCallback func(object Address)

// WeakPointer pairs an object with the callback run when it dies.
type WeakPointer struct {
	object   Address
	callback WeakCallback
}

// Object returns the current location of the referent.
func (wp *WeakPointer) Object() Address { return wp.object }

// WeakPointers is the list of weak pointers of one heap. Newer entries come
// first, matching the order callbacks fire in.
type WeakPointers struct {
	list []*WeakPointer
}

// Add registers a weak pointer to object and returns its handle.
func (w *WeakPointers) Add(object Address, callback WeakCallback) *WeakPointer {
	wp := &WeakPointer{object: object, callback: callback}
	w.list = append([]*WeakPointer{wp}, w.list...)
	return wp
}

// Remove drops the first weak pointer to object. If handle is non-nil only
// that entry is removed. It reports whether an entry was found.
func (w *WeakPointers) Remove(object Address, handle *WeakPointer) bool {
	for i, wp := range w.list {
		if wp.object != object || (handle != nil && wp != handle) {
			continue
		}
		w.list = append(w.list[:i], w.list[i+1:]...)
		return true
	}
	return false
}

// Len returns the number of registered weak pointers.
func (w *WeakPointers) Len() int { return len(w.list) }

// Process updates weak pointers whose referent lies in the collected space:
// survivors are relocated, the others are removed and their callbacks run.
// Callbacks run after the list has been rebuilt. It returns the number of
// callbacks fired.
func (w *WeakPointers) Process(space Liveness) int {
	kept := w.list[:0]
	var dead []*WeakPointer
	for _, wp := range w.list {
		if !space.Includes(wp.object) {
			kept = append(kept, wp)
			continue
		}
		if space.IsAlive(wp.object) {
			wp.object = space.NewLocation(wp.object)
			kept = append(kept, wp)
			continue
		}
		dead = append(dead, wp)
	}
	clear(w.list[len(kept):])
	w.list = kept

	for _, wp := range dead {
		if wp.callback != nil {
			wp.callback(wp.object)
		}
	}
	return len(dead)
}

// ForceCallbacks runs every callback and empties the list. Used when the
// heap is torn down.
func (w *WeakPointers) ForceCallbacks() {
	list := w.list
	w.list = nil
	for _, wp := range list {
		if wp.callback != nil {
			wp.callback(wp.object)
		}
	}
}

// Prepend moves all entries of other in front of ours.
func (w *WeakPointers) Prepend(other *WeakPointers) {
	if len(other.list) == 0 {
		return
	}
	w.list = append(other.list, w.list...)
	other.list = nil
}

// Visit presents each referent to v as an off-heap slot and stores back
// whatever v leaves in it. Collectors never call this; it is for
// validation and relocation of the whole heap.
func (w *WeakPointers) Visit(v PointerVisitor) {
	for _, wp := range w.list {
		slot := FromAddress(wp.object)
		VisitRoot(v, &slot)
		wp.object = slot.Address()
	}
}
