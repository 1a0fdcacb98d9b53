//go:build windows

package signals

import "os"

var watched = []os.Signal{os.Interrupt}

func dispatch(sig os.Signal) {
	if sig == os.Interrupt {
		handleInterrupted()
	}
}
