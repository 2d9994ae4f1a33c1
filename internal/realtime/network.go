package realtime

// networkAwareness tracks the reachability signal the reconnection policy consults.
type networkAwareness struct {
	suspended bool
}

// lose marks the network unreachable. It reports whether the flag changed.
func (n *networkAwareness) lose() bool {
	if n.suspended {
		return false
	}
	n.suspended = true
	return true
}

// regain clears the flag. It reports whether the flag changed.
func (n *networkAwareness) regain() bool {
	if !n.suspended {
		return false
	}
	n.suspended = false
	return true
}

func (n *networkAwareness) Suspended() bool {
	return n.suspended
}
