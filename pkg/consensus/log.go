package consensus

// Logger is the logging surface used by the engines. *log.Logger from
// github.com/galdor/go-log satisfies it.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}
