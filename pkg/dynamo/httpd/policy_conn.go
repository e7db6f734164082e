package httpd

import "golang.org/x/sys/unix"

// Goroutine-per-connection policy: a dedicated acceptor goroutine admits
// sockets, and every connection runs its own loop blocking on just its
// descriptor plus the daemon's shutdown pipe. Stop closes the pipe's
// write end, which wakes every loop with POLLHUP, and joins them.

func (d *Daemon) runAcceptor() {
	defer d.wg.Done()
	fds := []unix.PollFd{
		{Fd: int32(d.lfd), Events: unix.POLLIN},
		{Fd: int32(d.wakeR), Events: unix.POLLIN},
	}
	for !d.stopped.Load() {
		fds[0].Revents = 0
		fds[1].Revents = 0
		_, err := unix.Poll(fds, int(idlePollInterval.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if d.stopped.Load() || fds[1].Revents != 0 {
			return
		}
		if err != nil {
			d.cfg.logger.WithError(err).Warn("accept poll failed")
			continue
		}
		if fds[0].Revents != 0 {
			d.acceptReady(0)
		}
	}
}

// runConnection drives one connection to completion. The connection's
// state is confined to this goroutine; the daemon reaches in only through
// the shutdown pipe.
func (d *Daemon) runConnection(c *Connection) {
	defer d.wg.Done()
	fds := []unix.PollFd{
		{Fd: int32(c.fd)},
		{Fd: int32(d.wakeR), Events: unix.POLLIN},
	}
	for c.state != StateClosed {
		fds[0].Events = c.pollInterest()
		fds[0].Revents = 0
		fds[1].Revents = 0
		timeout := idlePollInterval
		if c.wantsQuickRetry() {
			timeout = readerRetryDelay
		}
		_, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if d.stopped.Load() || fds[1].Revents != 0 {
			c.close(TerminationDaemonShutdown)
			return
		}
		if err != nil {
			d.cfg.logger.WithError(err).Warn("connection poll failed")
			c.close(TerminationWithError)
			return
		}
		re := fds[0].Revents
		if re&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			if !c.readHandler(c) {
				return
			}
		}
		if re&unix.POLLOUT != 0 {
			if !c.writeHandler(c) {
				return
			}
		}
		c.idleHandler(c)
	}
}
