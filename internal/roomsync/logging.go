package roomsync

// Logger is the minimal logging contract long-running components accept.
// The stdlib *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}
