package events

import "time"

// Convenience constructors, one per variant. All are safe on a nil *Sender.

func (s *Sender) PhaseStarted(p Phase)   { s.Send(PhaseStarted{Phase: p}) }
func (s *Sender) PhaseCompleted(p Phase) { s.Send(PhaseCompleted{Phase: p}) }

func (s *Sender) PhaseFailed(p Phase, err error) {
	s.Send(PhaseFailed{Phase: p, Err: errString(err)})
}

func (s *Sender) PortAvailable(port int)     { s.Send(PortAvailable{Port: port}) }
func (s *Sender) PortConflict(port, pid int) { s.Send(PortConflict{Port: port, PID: pid}) }

func (s *Sender) ModulesLoaded(modules []string) {
	s.Send(ModulesLoaded{Count: len(modules), Modules: append([]string(nil), modules...)})
}

func (s *Sender) McpStarting(name string, port int) { s.Send(McpStarting{Name: name, Port: port}) }

func (s *Sender) McpHealthCheck(name string, attempt, maxAttempts int) {
	s.Send(McpHealthCheck{Name: name, Attempt: attempt, MaxAttempts: maxAttempts})
}

func (s *Sender) McpReady(name string, port int, startup time.Duration, tools int) {
	s.Send(McpReady{Name: name, Port: port, Startup: startup, Tools: tools})
}

func (s *Sender) McpFailed(name string, err error) {
	s.Send(McpFailed{Name: name, Err: errString(err)})
}

func (s *Sender) AgentStarting(name string, port int) { s.Send(AgentStarting{Name: name, Port: port}) }

func (s *Sender) AgentReady(name string, port int, startup time.Duration) {
	s.Send(AgentReady{Name: name, Port: port, Startup: startup})
}

func (s *Sender) AgentFailed(name string, err error) {
	s.Send(AgentFailed{Name: name, Err: errString(err)})
}

func (s *Sender) ServiceCleanup(name, reason string) {
	s.Send(ServiceCleanup{Name: name, Reason: reason})
}

func (s *Sender) ReconciliationComplete(running, required int) {
	s.Send(ReconciliationComplete{Running: running, Required: required})
}

func (s *Sender) ServerListening(addr string, pid int) { s.Send(ServerListening{Addr: addr, PID: pid}) }

func (s *Sender) Warning(msg, context string)  { s.Send(Warning{Msg: msg, Context: context}) }
func (s *Sender) Info(msg string)              { s.Send(Info{Msg: msg}) }
func (s *Sender) Error(msg string, fatal bool) { s.Send(Error{Msg: msg, Fatal: fatal}) }

func (s *Sender) StartupComplete(d time.Duration, apiURL string, services []ServiceInfo) {
	s.Send(StartupComplete{Duration: d, APIURL: apiURL, Services: services})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
