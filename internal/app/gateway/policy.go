package gateway

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEvent
	KickSession
)

// Policy decides what happens to a session whose outbound queue is full.
type Policy interface {
	OnBackPressure(s *Session, topic Topic) BackpressureAction
}

// SimplePolicy disconnects slow sessions; clients resync on reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Session, Topic) BackpressureAction {
	return KickSession
}
