package heap

// ---------------------------------------------------------------------------
// ScavengeVisitor: copies young objects out of the from-space
// ---------------------------------------------------------------------------

// ScavengeVisitor rewrites slots that point into the from-space. The first
// visit of an object copies it and leaves a forwarding header behind, so
// later visits resolve to the same copy.
//
// An object is promoted into old space when it already survived one
// scavenge or when the slot referring to it lives in old space. If old
// space declines the allocation the object stays young.
type ScavengeVisitor struct {
	memory *Memory
	from   *SemiSpace
	to     *SemiSpace
	old    *OldSpace // nil: no promotion

	copied   int
	promoted int
}

// NewScavengeVisitor creates a visitor moving objects from from to to,
// promoting into old when non-nil.
func NewScavengeVisitor(from, to *SemiSpace, old *OldSpace) *ScavengeVisitor {
	return &ScavengeVisitor{memory: from.memory, from: from, to: to, old: old}
}

// Copied returns the bytes copied into the to-space.
func (v *ScavengeVisitor) Copied() int { return v.copied }

// Promoted returns the bytes promoted into old space.
func (v *ScavengeVisitor) Promoted() int { return v.promoted }

func (v *ScavengeVisitor) VisitBlock(start Address, slots []Word) {
	for i, w := range slots {
		if !w.IsObject() {
			continue
		}
		a := w.Address()
		if !v.from.Includes(a) {
			continue
		}
		slotInOld := false
		var slot Address
		if start != NoAddress && v.old != nil {
			slot = start.Add(i)
			slotInOld = v.old.Includes(slot)
		}
		target := v.scavenge(a, slotInOld)
		slots[i] = FromAddress(target)
		if slotInOld && v.to.Includes(target) {
			v.old.RecordWrite(slot)
		}
	}
}

// VisitClass ignores class slots: classes never live in a young space.
func (v *ScavengeVisitor) VisitClass(*Word) {}

// scavenge returns the new location of the from-space object at a,
// copying it on first sight.
func (v *ScavengeVisitor) scavenge(a Address, slotInOld bool) Address {
	m := v.memory
	h := Header(m.Load(a))
	if h.IsForwarded() {
		return h.ForwardingAddress()
	}
	size := m.SizeOf(a)

	target := NoAddress
	if v.old != nil && (slotInOld || v.from.Survived(a)) {
		if b, err := v.old.Allocate(size); err == nil {
			target = b
			v.promoted += size
		}
	}
	if target == NoAddress {
		b, err := v.to.Allocate(size)
		if err != nil {
			// The to-space runs inside a no-allocation-failure scope.
			panic("ScavengeVisitor.scavenge: to-space allocation failed: " + err.Error())
		}
		target = b
		v.copied += size
	}
	m.copyObject(target, a, size)
	m.Store(a, Word(forwardingHeader(target)))
	return target
}

// ---------------------------------------------------------------------------
// Scavenge
// ---------------------------------------------------------------------------

// ScavengeResult describes one young collection.
type ScavengeResult struct {
	UsedBefore    int
	UsedAfter     int
	Copied        int
	Promoted      int
	WeakCallbacks int
}

// Scavenge performs a generational copying collection of young. roots and
// the remembered set of old are traced; weak runs the post-tracing weak
// processing against the from-space before it is released. It returns the
// new young space.
func Scavenge(young *SemiSpace, old *OldSpace, roots Roots, weak func(from Liveness) int) (*SemiSpace, ScavengeResult) {
	res := ScavengeResult{UsedBefore: young.Used()}
	to := NewSemiSpace(young.memory, young.name, young.Used()/10)
	release := to.NoAllocationFailureScope()
	defer release()

	v := NewScavengeVisitor(young, to, old)
	to.StartScavenge()
	if old != nil {
		old.StartScavenge()
		old.VisitRememberedSet(v)
	}
	if roots != nil {
		roots.IterateRoots(v)
	}
	for {
		work := to.CompleteScavengeGenerational(v)
		if old != nil && old.CompleteScavengeGenerational(v) {
			work = true
		}
		if !work {
			break
		}
	}
	if old != nil {
		old.EndScavenge()
	}

	if weak != nil {
		res.WeakCallbacks = weak(young)
	}

	to.markSurvivors()
	young.release()

	res.UsedAfter = to.Used()
	res.Copied = v.Copied()
	res.Promoted = v.Promoted()
	return to, res
}
