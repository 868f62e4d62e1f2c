package sn

import "github.com/opd-ai/bdt/protocol"

// Mux routes command packages to services by command code, so one
// listener can serve several services.
type Mux struct {
	routes   map[protocol.CmdCode]Service
	fallback Service
}

// NewMux creates a mux. Packages with no route go to fallback, which may
// be nil.
func NewMux(fallback Service) *Mux {
	return &Mux{routes: make(map[protocol.CmdCode]Service), fallback: fallback}
}

// Route sends cmds to svc.
func (m *Mux) Route(svc Service, cmds ...protocol.CmdCode) *Mux {
	for _, cmd := range cmds {
		m.routes[cmd] = svc
	}
	return m
}

func (m *Mux) Handle(box *protocol.PackageBox, pkg protocol.Package, sender MessageSender) {
	if svc, ok := m.routes[pkg.Cmd()]; ok {
		svc.Handle(box, pkg, sender)
		return
	}
	if m.fallback != nil {
		m.fallback.Handle(box, pkg, sender)
	}
}
