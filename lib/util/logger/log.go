package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	gologger "github.com/go-i2p/logger"
	"github.com/sirupsen/logrus"
)

// LevelEnv names the environment variable holding the initial log level.
const LevelEnv = "DCONFIGD_LOG_LEVEL"

var (
	log  *Logger
	once sync.Once
)

// Fields is a set of structured log fields.
type Fields = logrus.Fields

// Logger is the process-wide logger shared by every package of the daemon.
// It drives the go-i2p logger instance, so libraries logging through
// gologger.GetGoI2PLogger follow the same level and output.
type Logger struct {
	*gologger.Logger

	mu        sync.Mutex
	baseLevel logrus.Level
	verbose   bool
}

func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.Logger.WithField(key, value)
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.Logger.Logger.WithFields(fields)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.Logger.WithError(err)
}

// SetVerbose raises the level to debug, or restores the level the process
// started with.
func (l *Logger) SetVerbose(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = enable
	if enable {
		l.SetLevel(gologger.Level(logrus.DebugLevel))
	} else {
		l.SetLevel(gologger.Level(l.baseLevel))
	}
}

// Verbose reports whether debug logging was switched on at runtime.
func (l *Logger) Verbose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// SetOutputWriter redirects log output, mostly for tests.
func (l *Logger) SetOutputWriter(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	l.SetOutput(w)
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "trace":
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

func InitializeLogger() {
	once.Do(func() {
		// the go-i2p logger starts discarded unless DEBUG_I2P is set
		log = &Logger{Logger: gologger.GetGoI2PLogger()}
		log.SetOutput(os.Stderr)
		log.SetFormatter(&gologger.TextFormatter{FullTimestamp: true})
		log.baseLevel = parseLevel(os.Getenv(LevelEnv))
		log.SetLevel(gologger.Level(log.baseLevel))
	})
}

// GetLogger returns the initialized Logger
func GetLogger() *Logger {
	if log == nil {
		InitializeLogger()
	}
	return log
}

func init() {
	InitializeLogger()
}
