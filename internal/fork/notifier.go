package fork

// Notification kinds raised back to the switch
const (
	NotifySessionOpened    = "session_opened"
	NotifySessionClosed    = "session_closed"
	NotifyOpenFailed       = "open_failed"
	NotifyPlaybackFinished = "playback_finished"
)

// Notification is one lifecycle event about a session
type Notification struct {
	Kind      string
	SessionID string
	Headers   map[string]string
}

// Notifier receives session notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
