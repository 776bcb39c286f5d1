// Package notify provides a deduplicating wake-up channel. Any number of
// senders may signal a single receiver, and signals sent before the receiver
// wakes coalesce into one.
package notify

// Notifier is a capacity-one wake channel. Send never blocks.
type Notifier struct {
	c chan struct{}
}

// New returns a new Notifier with no pending notification.
func New() *Notifier {
	return &Notifier{
		c: make(chan struct{}, 1),
	}
}

// Send queues a notification unless one is already pending.
func (n *Notifier) Send() {
	select {
	case n.c <- struct{}{}:
	default:
	}
}

// C returns the channel that receives the pending notification.
func (n *Notifier) C() <-chan struct{} {
	return n.c
}

// TryRecv consumes a pending notification and reports whether there was one.
func (n *Notifier) TryRecv() bool {
	select {
	case <-n.c:
		return true
	default:
		return false
	}
}

// Clear drops any pending notification.
func (n *Notifier) Clear() {
	n.TryRecv()
}
