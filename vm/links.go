package vm

import "sync"

// ---------------------------------------------------------------------------
// Links: exit propagation between processes
// ---------------------------------------------------------------------------

// Links holds the processes linked to one process and the ports monitoring
// it. When the process exits abnormally every linked process receives a
// signal; every monitor receives an exit message whatever the reason.
type Links struct {
	mu         sync.Mutex
	linked     map[*Process]struct{}
	monitors   []*Port
	exitSignal SignalKind
	exited     bool
}

func (l *Links) add(p *Process) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exited {
		return false
	}
	if l.linked == nil {
		l.linked = make(map[*Process]struct{})
	}
	l.linked[p] = struct{}{}
	return true
}

func (l *Links) remove(p *Process) {
	l.mu.Lock()
	delete(l.linked, p)
	l.mu.Unlock()
}

// Monitor registers port to be told when the process exits. It reports
// false when the process already exited.
func (l *Links) Monitor(port *Port) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exited {
		return false
	}
	port.IncrementRef()
	l.monitors = append(l.monitors, port)
	return true
}

// Demonitor removes one registration of port.
func (l *Links) Demonitor(port *Port) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.monitors {
		if m == port {
			l.monitors = append(l.monitors[:i], l.monitors[i+1:]...)
			port.DecrementRef()
			return true
		}
	}
	return false
}

// ExitSignal returns the kind the process exited with.
func (l *Links) ExitSignal() SignalKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitSignal
}

// Len returns the number of linked processes.
func (l *Links) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.linked)
}

// notifyExit records kind and notifies links and monitors of dying.
func (l *Links) notifyExit(dying *Process, kind SignalKind) {
	l.mu.Lock()
	l.exitSignal = kind
	l.exited = true
	linked := l.linked
	monitors := l.monitors
	l.linked, l.monitors = nil, nil
	l.mu.Unlock()

	for p := range linked {
		p.links.remove(dying)
		if kind != SignalTerminated {
			p.SendSignal(&Signal{Kind: kind, From: dying.id})
		}
	}
	for _, port := range monitors {
		msg := Message{Kind: MessageExit, Exit: ExitNotice{Process: dying.id, Kind: kind}}
		if err := port.Send(msg); err != nil {
			logger.Debugf("process %d: exit notice dropped: %s", dying.id, err)
		}
		port.DecrementRef()
	}
}

// Link connects a and b in both directions. It reports false when either
// has already exited.
func Link(a, b *Process) bool {
	if a == b {
		return false
	}
	if !a.links.add(b) {
		return false
	}
	if !b.links.add(a) {
		a.links.remove(b)
		return false
	}
	return true
}

// Unlink removes the link between a and b.
func Unlink(a, b *Process) {
	a.links.remove(b)
	b.links.remove(a)
}
