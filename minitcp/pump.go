package minitcp

// Pump drains pending inbound frames from the network device, giving
// the delivery path a chance to invoke Stack.Receive. There is no
// blocking I/O primitive anywhere in the stack; callers simulate
// blocking by pumping in a bounded loop.
type Pump func()

// Wait polls cond up to budget iterations, invoking pump between
// attempts. The budget is an iteration count, not wall-clock time;
// exhausting it returns ErrTimeout.
func Wait(pump Pump, budget int, cond func() bool) error {
	for i := 0; i < budget; i++ {
		if cond() {
			return nil
		}
		if pump != nil {
			pump()
		}
	}
	if cond() {
		return nil
	}
	return ErrTimeout
}
