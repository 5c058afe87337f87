// Package lifecycle holds small shared types describing why subsystems
// start and stop. Keeping them here avoids import cycles between the app
// wiring and the services it manages.
package lifecycle

// StopReason labels why a stop was requested. It flows into logs and the
// systemd stop status line.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal-error"
	StopAppStop      StopReason = "app-stop"
	StopConfigReload StopReason = "config-reload"
)

func (r StopReason) String() string {
	if r == "" {
		return string(StopUnknown)
	}
	return string(r)
}
