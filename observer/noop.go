package observer

import "github.com/ineyio/querygate"

// Noop is an observer that does nothing.
type Noop struct{}

var _ querygate.Observer = Noop{}

func (Noop) OnTransition(querygate.TransitionEvent) {}
