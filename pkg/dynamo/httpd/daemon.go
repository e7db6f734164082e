package httpd

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/yourusername/dynamo/pkg/dynamo/socket"
)

// Policy selects how the daemon schedules connection processing. It is
// fixed at Start.
type Policy int

const (
	// PolicyInternalPoll: daemon-owned poller goroutine(s) drive the
	// listening socket and every connection.
	PolicyInternalPoll Policy = iota

	// PolicyExternalPoll: the host polls. The daemon exposes the
	// descriptor set and a deadline (PollDescriptors) and the host calls
	// Process after its own poll.
	PolicyExternalPoll

	// PolicyConnectionGoroutine: each accepted connection runs in its own
	// goroutine, blocking on its socket plus the daemon's shutdown pipe.
	PolicyConnectionGoroutine
)

// AccessHandler is the application's request callback.
//
// The first invocation for a request has a nil upload slice and a fresh
// *reqState the handler may point at per-request data. Body invocations
// carry an upload slice; the handler consumes a prefix and stores the
// number of unconsumed bytes in *uploadSize. The final invocation has
// *uploadSize == 0 and must queue a response via Connection.QueueResponse.
// Returning false aborts the request.
type AccessHandler func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool

// CompletedCallback is invoked exactly once per connection when it
// reaches the closed state.
type CompletedCallback func(c *Connection, code TerminationCode)

// URILogCallback is a diagnostic hook invoked with each parsed request
// URI before headers are processed.
type URILogCallback func(uri string, c *Connection)

type config struct {
	handler     AccessHandler
	timeout     time.Duration
	notify      CompletedCallback
	uriLogger   URILogCallback
	bindAddr    *net.TCPAddr
	perIPLimit  int
	connLimit   int
	backlog     int
	memoryLimit int
	poolSize    int

	tlsCert       []byte
	tlsKey        []byte
	tlsPriorities string
	credType      CredentialsType

	logger   *logrus.Logger
	registry prometheus.Registerer
	encoding bool
	sockOpts socket.Options
}

// Option configures a daemon at Start.
type Option func(*config) error

// WithConnectionTimeout sets the idle timeout after which a connection is
// force-closed with a timeout termination. Zero disables the timeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.timeout = d
		return nil
	}
}

// WithNotifyCompleted registers the per-connection termination callback.
func WithNotifyCompleted(cb CompletedCallback) Option {
	return func(c *config) error {
		c.notify = cb
		return nil
	}
}

// WithURILogger registers a diagnostic hook for parsed request URIs.
func WithURILogger(cb URILogCallback) Option {
	return func(c *config) error {
		c.uriLogger = cb
		return nil
	}
}

// WithPerIPConnectionLimit caps simultaneous connections per peer
// address. A connection over the limit is dropped at accept time without
// a termination callback. Zero means unlimited.
func WithPerIPConnectionLimit(n int) Option {
	return func(c *config) error {
		c.perIPLimit = n
		return nil
	}
}

// WithConnectionLimit caps simultaneous connections daemon-wide. Zero
// means unlimited.
func WithConnectionLimit(n int) Option {
	return func(c *config) error {
		c.connLimit = n
		return nil
	}
}

// WithSockAddr overrides the bind address passed to Start. Useful when
// the address is built programmatically rather than parsed from a
// host:port string.
func WithSockAddr(addr *net.TCPAddr) Option {
	return func(c *config) error {
		if addr == nil {
			return fmt.Errorf("httpd: nil bind address")
		}
		c.bindAddr = addr
		return nil
	}
}

// WithListenBacklog sets the listen(2) backlog.
func WithListenBacklog(n int) Option {
	return func(c *config) error {
		c.backlog = n
		return nil
	}
}

// WithConnectionMemoryLimit sets the per-connection pool capacity that
// bounds request line, headers and body window for one request cycle.
func WithConnectionMemoryLimit(bytes int) Option {
	return func(c *config) error {
		if bytes < initialReadBufferSize*2 {
			return fmt.Errorf("httpd: connection memory limit %d too small", bytes)
		}
		c.memoryLimit = bytes
		return nil
	}
}

// WithPollerPoolSize runs n internal poll loops, each owning a share of
// the connections. Only meaningful with PolicyInternalPoll.
func WithPollerPoolSize(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("httpd: poller pool size %d invalid", n)
		}
		c.poolSize = n
		return nil
	}
}

// WithTLS supplies the daemon's TLS material as PEM bytes. The daemon
// terminates TLS on every accepted connection.
func WithTLS(certPEM, keyPEM []byte) Option {
	return func(c *config) error {
		c.tlsCert = certPEM
		c.tlsKey = keyPEM
		return nil
	}
}

// WithTLSPriorities applies an opaque priority string ("NORMAL",
// "SECURE128", "SECURE256", "PFS") to the TLS configuration.
func WithTLSPriorities(p string) Option {
	return func(c *config) error {
		c.tlsPriorities = p
		return nil
	}
}

// WithTLSCredentialsType selects the TLS credential kind. Only
// certificate credentials are supported.
func WithTLSCredentialsType(t CredentialsType) Option {
	return func(c *config) error {
		if t != CredentialsCertificate {
			return ErrUnsupportedCredentials
		}
		c.credType = t
		return nil
	}
}

// WithLogger routes daemon diagnostics to the given logger. Without it
// the daemon stays quiet.
func WithLogger(l *logrus.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithMetrics registers the daemon's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) error {
		c.registry = reg
		return nil
	}
}

// WithContentEncoding enables transparent compression of in-memory
// response bodies negotiated via Accept-Encoding (brotli preferred,
// then gzip).
func WithContentEncoding(enabled bool) Option {
	return func(c *config) error {
		c.encoding = enabled
		return nil
	}
}

// WithSocketOptions overrides the per-socket tuning.
func WithSocketOptions(o socket.Options) Option {
	return func(c *config) error {
		c.sockOpts = o
		return nil
	}
}

// Daemon owns a listening socket and the set of accepted connections.
type Daemon struct {
	cfg    config
	policy Policy
	tlsCfg *tls.Config
	laddr  *net.TCPAddr

	lfd          int
	wakeR, wakeW int

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	perIP   map[string]int
	stopped atomic.Bool
	wg      sync.WaitGroup

	met *metrics
}

// Start creates the listening socket, applies the option set and begins
// serving under the chosen policy. Construction failures (bad address,
// bind failure, invalid TLS material) are returned synchronously; once
// Start returns a daemon, per-connection errors never escape it.
func Start(policy Policy, addr string, handler AccessHandler, opts ...Option) (*Daemon, error) {
	if handler == nil {
		return nil, fmt.Errorf("httpd: access handler is required")
	}
	cfg := config{
		handler:     handler,
		timeout:     0,
		backlog:     128,
		memoryLimit: DefaultPoolSize,
		poolSize:    1,
		credType:    CredentialsCertificate,
		sockOpts:    socket.DefaultOptions(),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.logger = l
	}

	d := &Daemon{
		cfg:    cfg,
		policy: policy,
		conns:  make(map[*Connection]struct{}),
		perIP:  make(map[string]int),
		lfd:    -1,
		wakeR:  -1,
		wakeW:  -1,
	}
	if cfg.registry != nil {
		d.met = newMetrics(cfg.registry)
	}

	if cfg.tlsCert != nil || cfg.tlsKey != nil {
		cert, err := tls.X509KeyPair(cfg.tlsCert, cfg.tlsKey)
		if err != nil {
			return nil, fmt.Errorf("httpd: invalid TLS material: %w", err)
		}
		d.tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
		applyPriorities(d.tlsCfg, cfg.tlsPriorities)
	}

	if cfg.bindAddr == nil {
		resolved, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("httpd: resolve %q: %w", addr, err)
		}
		cfg.bindAddr = resolved
	}
	lfd, laddr, err := listenSocket(cfg.bindAddr, cfg.backlog, cfg.sockOpts)
	if err != nil {
		return nil, err
	}
	d.lfd = lfd
	d.laddr = laddr

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("httpd: shutdown pipe: %w", err)
	}
	d.wakeR, d.wakeW = pipeFds[0], pipeFds[1]

	switch policy {
	case PolicyInternalPoll:
		for i := 0; i < cfg.poolSize; i++ {
			d.wg.Add(1)
			go d.runInternalLoop(i)
		}
	case PolicyExternalPoll:
		// The host drives PollDescriptors/Process.
	case PolicyConnectionGoroutine:
		d.wg.Add(1)
		go d.runAcceptor()
	default:
		d.Stop()
		return nil, fmt.Errorf("httpd: unknown policy %d", policy)
	}

	d.cfg.logger.WithFields(logrus.Fields{
		"addr":   laddr.String(),
		"policy": policy,
		"tls":    d.tlsCfg != nil,
	}).Debug("daemon started")
	return d, nil
}

// Addr returns the bound listening address.
func (d *Daemon) Addr() *net.TCPAddr {
	return d.laddr
}

// Stop closes the listener, force-closes every connection with a
// daemon-shutdown termination and waits for all daemon goroutines.
func (d *Daemon) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	if d.lfd >= 0 {
		unix.Close(d.lfd)
	}
	// Closing the write end wakes every poller with POLLHUP on the read
	// end: the internal loops exit, connection goroutines close their
	// connections and join.
	if d.wakeW >= 0 {
		unix.Close(d.wakeW)
		d.wakeW = -1
	}
	d.wg.Wait()

	// Poll policies: the loops have exited; sweep whatever is left.
	for _, c := range d.snapshot() {
		c.close(TerminationDaemonShutdown)
	}
	if d.wakeR >= 0 {
		unix.Close(d.wakeR)
		d.wakeR = -1
	}
	d.cfg.logger.Debug("daemon stopped")
}

func (d *Daemon) snapshot() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Connection, 0, len(d.conns))
	for c := range d.conns {
		out = append(out, c)
	}
	return out
}

// acceptReady drains the listening socket. Over-limit peers are dropped
// immediately without consuming a connection slot or producing a
// termination callback. loop is the poller that will own accepted
// connections.
func (d *Daemon) acceptReady(loop int) {
	for {
		fd, sa, err := unix.Accept4(d.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return
		default:
			if !d.stopped.Load() {
				d.cfg.logger.WithError(err).Warn("accept failed")
			}
			return
		}
		c := d.admit(fd, sa, loop)
		if c != nil && d.policy == PolicyConnectionGoroutine {
			d.wg.Add(1)
			go d.runConnection(c)
		}
	}
}

func (d *Daemon) admit(fd int, sa unix.Sockaddr, loop int) *Connection {
	peer := sockaddrToTCPAddr(sa)
	ipKey := peer.IP.String()

	d.mu.Lock()
	if d.cfg.connLimit > 0 && len(d.conns) >= d.cfg.connLimit {
		d.mu.Unlock()
		unix.Close(fd)
		d.met.connRejected("global-limit")
		d.cfg.logger.WithField("remote", peer.String()).Debug("connection limit reached, dropping")
		return nil
	}
	if d.cfg.perIPLimit > 0 && d.perIP[ipKey] >= d.cfg.perIPLimit {
		d.mu.Unlock()
		unix.Close(fd)
		d.met.connRejected("per-ip-limit")
		d.cfg.logger.WithField("remote", peer.String()).Debug("per-IP limit reached, dropping")
		return nil
	}
	d.perIP[ipKey]++
	d.mu.Unlock()

	if err := d.cfg.sockOpts.ApplyConn(fd); err != nil {
		d.cfg.logger.WithError(err).Debug("socket tuning failed")
	}

	var tr transport
	if d.tlsCfg != nil {
		t, err := newTLSTransport(fd, d.tlsCfg)
		if err != nil {
			d.mu.Lock()
			d.decPerIP(ipKey)
			d.mu.Unlock()
			unix.Close(fd)
			d.cfg.logger.WithError(err).Warn("TLS transport setup failed")
			return nil
		}
		tr = t
	} else {
		tr = newPlainTransport(fd)
	}

	c := newConnection(d, tr, fd, peer, ipKey, d.tlsCfg != nil)
	c.loop = loop
	d.mu.Lock()
	d.conns[c] = struct{}{}
	d.mu.Unlock()
	d.met.connAccepted()
	d.cfg.logger.WithField("remote", peer.String()).Debug("connection accepted")
	return c
}

func (d *Daemon) decPerIP(ipKey string) {
	if n := d.perIP[ipKey]; n <= 1 {
		delete(d.perIP, ipKey)
	} else {
		d.perIP[ipKey] = n - 1
	}
}

// connectionClosed finalizes a closed connection: bookkeeping, metrics
// and the termination callback, which runs exactly once.
func (d *Daemon) connectionClosed(c *Connection, code TerminationCode) {
	d.mu.Lock()
	delete(d.conns, c)
	d.decPerIP(c.ipKey)
	d.mu.Unlock()

	d.met.connClosed(code)
	d.cfg.logger.WithFields(logrus.Fields{
		"remote": c.peer.String(),
		"code":   code.String(),
	}).Debug("connection closed")
	if d.cfg.notify != nil {
		d.cfg.notify(c, code)
	}
}

func (d *Daemon) requestCompleted(c *Connection) {
	d.met.responseSent(c.responseCode)
}

func (d *Daemon) logReject(c *Connection, code int) {
	d.cfg.logger.WithFields(logrus.Fields{
		"remote": c.peer.String(),
		"status": code,
		"state":  c.state.String(),
	}).Debug("request rejected")
}

func (d *Daemon) logConnError(c *Connection, msg string, err error) {
	d.cfg.logger.WithError(err).WithField("remote", c.peer.String()).Warn(msg)
}

// listenSocket creates, tunes, binds and listens a non-blocking TCP
// socket for the given address.
func listenSocket(ta *net.TCPAddr, backlog int, opts socket.Options) (int, *net.TCPAddr, error) {
	domain := unix.AF_INET
	if ta.IP != nil && ta.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("httpd: socket: %w", err)
	}
	if err := opts.ApplyListener(fd); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("httpd: socket tuning: %w", err)
	}
	sa, err := tcpAddrToSockaddr(domain, ta)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("httpd: bind %s: %w", ta, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("httpd: listen: %w", err)
	}
	bound, err := unix.Getsockname(fd)
	if err == nil {
		if b := sockaddrToTCPAddr(bound); b != nil {
			ta = b
		}
	}
	return fd, ta, nil
}

func tcpAddrToSockaddr(domain int, ta *net.TCPAddr) (unix.Sockaddr, error) {
	switch domain {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: ta.Port}
		if ip4 := ta.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: ta.Port}
		copy(sa.Addr[:], ta.IP.To16())
		return sa, nil
	}
	return nil, fmt.Errorf("httpd: unsupported address family %d", domain)
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}
