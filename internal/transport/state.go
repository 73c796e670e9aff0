package transport

// State of the transport session.
//
//	disconnected → connecting → connected → disconnected   (normal close)
//	connected → reconnecting → connected                   (transient loss)
//	connecting → failed → reconnecting                     (initial error)
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}
