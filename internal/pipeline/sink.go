package pipeline

import "github.com/adcraft/api/internal/model"

// Sink receives every event of a run, in emission order. Emit is never called
// concurrently for the same run.
type Sink interface {
	Emit(runID string, ev model.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(runID string, ev model.Event)

func (f SinkFunc) Emit(runID string, ev model.Event) { f(runID, ev) }

// Fanout delivers each event to every non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(runID string, ev model.Event) {
		for _, s := range live {
			s.Emit(runID, ev)
		}
	})
}

// ChanSink forwards events to a channel and closes it after the end event.
// The reader must drain the channel until it is closed.
type ChanSink struct {
	C chan model.Event
}

func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan model.Event, buffer)}
}

func (s *ChanSink) Emit(_ string, ev model.Event) {
	s.C <- ev
	if ev.Kind() == model.EventEnd {
		close(s.C)
	}
}
