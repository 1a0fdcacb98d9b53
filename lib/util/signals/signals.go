package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registration so it can be removed again.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

var (
	mu           sync.RWMutex
	reloaders    []registeredHandler
	interrupters []registeredHandler
	nextID       HandlerID
)

func register(list *[]registeredHandler, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	defer mu.Unlock()
	id := nextID
	nextID++
	*list = append(*list, registeredHandler{id: id, fn: f})
	return id
}

func deregister(list *[]registeredHandler, id HandlerID) {
	mu.Lock()
	defer mu.Unlock()
	for i, h := range *list {
		if h.id == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// RegisterReloadHandler registers a handler called on SIGHUP.
// Nil handlers are ignored and return -1.
func RegisterReloadHandler(f Handler) HandlerID {
	return register(&reloaders, f)
}

func DeregisterReloadHandler(id HandlerID) {
	deregister(&reloaders, id)
}

// RegisterInterruptHandler registers a handler called on SIGINT and SIGTERM.
// Nil handlers are ignored and return -1.
func RegisterInterruptHandler(f Handler) HandlerID {
	return register(&interrupters, f)
}

func DeregisterInterruptHandler(id HandlerID) {
	deregister(&interrupters, id)
}

func run(kind string, list *[]registeredHandler) {
	mu.RLock()
	snapshot := make([]registeredHandler, len(*list))
	copy(snapshot, *list)
	mu.RUnlock()
	for _, h := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":    "signals.run",
						"kind":  kind,
						"panic": r,
					}).Error("signal_handler_panicked")
				}
			}()
			h.fn()
		}()
	}
}

func handleReload() {
	run("reload", &reloaders)
}

func handleInterrupted() {
	run("interrupt", &interrupters)
}

// Run dispatches signals to the registered handlers until ctx is done.
func Run(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, watched...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			log.WithField("signal", sig.String()).Info("signal_received")
			dispatch(sig)
		}
	}
}
