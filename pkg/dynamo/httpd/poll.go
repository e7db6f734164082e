package httpd

import (
	"time"

	"golang.org/x/sys/unix"
)

// Poll pacing. readerRetryDelay is the re-poll delay after a content
// reader reported "no data yet" (and while a TLS handshake goroutine is
// in flight); idlePollInterval paces timeout enforcement when nothing is
// ready.
const (
	readerRetryDelay = time.Millisecond
	idlePollInterval = 500 * time.Millisecond
)

// pollInterest maps the connection's state to the readiness events that
// can advance it. Suspended states (reader unready, TLS handshake in a
// helper goroutine) poll nothing and rely on the loop's retry delay.
func (c *Connection) pollInterest() int16 {
	switch c.state {
	case StateClosed, StateTLSHandshake, StateNormalBodyUnready, StateChunkedBodyUnready:
		return 0
	case StateContinueSending, StateHeadersSending, StateHeadersSent,
		StateNormalBodyReady, StateChunkedBodyReady, StateBodySent, StateFootersSent:
		return unix.POLLOUT
	default:
		return unix.POLLIN
	}
}

// wantsQuickRetry reports that the connection is waiting on something no
// readiness event will announce.
func (c *Connection) wantsQuickRetry() bool {
	switch c.state {
	case StateTLSHandshake, StateNormalBodyUnready, StateChunkedBodyUnready:
		return true
	}
	return false
}

// pollDescriptorsFor builds the descriptor set for one poller: the
// listening socket, the shutdown pipe, then the poller's connections.
func (d *Daemon) pollDescriptorsFor(loop int) ([]unix.PollFd, []*Connection, time.Duration) {
	conns := d.snapshotLoop(loop)
	fds := make([]unix.PollFd, 0, len(conns)+2)
	fds = append(fds,
		unix.PollFd{Fd: int32(d.lfd), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(d.wakeR), Events: unix.POLLIN},
	)
	timeout := idlePollInterval
	for _, c := range conns {
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: c.pollInterest()})
		if c.wantsQuickRetry() {
			timeout = readerRetryDelay
		}
	}
	return fds, conns, timeout
}

func (d *Daemon) snapshotLoop(loop int) []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Connection, 0, len(d.conns))
	for c := range d.conns {
		if c.loop == loop {
			out = append(out, c)
		}
	}
	return out
}

// processReady runs the handler triple over the polled set: read handler
// if readable, write handler if writable, then the idle handler
// unconditionally.
func (d *Daemon) processReady(loop int, fds []unix.PollFd, conns []*Connection) {
	if len(fds) > 0 && fds[0].Revents&unix.POLLIN != 0 {
		d.acceptReady(loop)
	}
	for i, c := range conns {
		if c.state == StateClosed {
			continue
		}
		re := fds[i+2].Revents
		if re&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			if !c.readHandler(c) {
				continue
			}
		}
		if re&unix.POLLOUT != 0 {
			if !c.writeHandler(c) {
				continue
			}
		}
		c.idleHandler(c)
	}
}

// runInternalLoop is one poller of the internal-poll policy.
func (d *Daemon) runInternalLoop(loop int) {
	defer d.wg.Done()
	for !d.stopped.Load() {
		fds, conns, timeout := d.pollDescriptorsFor(loop)
		_, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if d.stopped.Load() {
			return
		}
		if err != nil {
			d.cfg.logger.WithError(err).Warn("poll failed")
			continue
		}
		d.processReady(loop, fds, conns)
	}
}

// PollDescriptors exposes the external-poll surface: the descriptor set
// the host must poll and the deadline after which Process must be called
// even without readiness (timeout enforcement and suspended-reader
// retries). The first entry is the listening socket; hosts pass the
// polled set back to Process unchanged.
func (d *Daemon) PollDescriptors() ([]unix.PollFd, time.Duration) {
	fds, _, timeout := d.pollDescriptorsFor(0)
	return fds, timeout
}

// Process runs one scheduling pass over the descriptor set previously
// obtained from PollDescriptors, with Revents filled in by the host's
// poll. Identical per-connection logic to the internal policy.
func (d *Daemon) Process(fds []unix.PollFd) error {
	if d.stopped.Load() {
		return ErrDaemonStopped
	}
	conns := d.snapshotLoop(0)
	// The host's set may predate recent accepts or closes; match by
	// descriptor rather than position.
	byFd := make(map[int32]int16, len(fds))
	for _, p := range fds {
		if p.Revents != 0 {
			byFd[p.Fd] = p.Revents
		}
	}
	if byFd[int32(d.lfd)]&unix.POLLIN != 0 {
		d.acceptReady(0)
	}
	for _, c := range conns {
		if c.state == StateClosed {
			continue
		}
		re := byFd[int32(c.fd)]
		if re&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			if !c.readHandler(c) {
				continue
			}
		}
		if re&unix.POLLOUT != 0 {
			if !c.writeHandler(c) {
				continue
			}
		}
		c.idleHandler(c)
	}
	return nil
}
