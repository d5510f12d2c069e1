package manager

// State is the lifecycle state of one app instance, in pm2 vocabulary.
type State string

const (
	StateStopped   State = "stopped"
	StateLaunching State = "launching"
	StateOnline    State = "online"
	StateWaiting   State = "waiting restart"
	StateStopping  State = "stopping"
	StateErrored   State = "errored"
)

// Active reports whether an instance loop is running in this state.
func (s State) Active() bool {
	switch s {
	case StateLaunching, StateOnline, StateWaiting, StateStopping:
		return true
	}
	return false
}
