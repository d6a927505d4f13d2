package forwarding

import "runtime"

// spinYield backs off a claim loop waiting out a transient retainer.
func spinYield() {
	runtime.Gosched()
}
