// The drover binary is the fleet commander: it owns the task queue,
// launches and supervises per-profile workers, and serves the control
// API.
package main

func main() {
	Execute()
}
