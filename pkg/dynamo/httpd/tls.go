package httpd

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"time"
)

// tlsReadPoll bounds how long a TLS read may wait for the rest of a
// fragmented record. The event loop only calls Read after the socket
// polled readable, so the deadline almost never fires with data pending.
const tlsReadPoll = 5 * time.Millisecond

// tlsWriteTimeout bounds a TLS record write. A timed-out TLS write leaves
// the record layer unusable, so expiry is fatal rather than a suspension.
const tlsWriteTimeout = time.Second

// tlsTransport routes connection bytes through crypto/tls.
//
// gnutls can resume a handshake after EAGAIN; crypto/tls cannot, so the
// handshake runs in a helper goroutine and the readiness-driven handlers
// poll its completion: Handshake returns ErrAgain until the goroutine
// reports, preserving the handshaking pre-state contract. Established
// reads map deadline expiry to ErrAgain (crypto/tls supports retrying a
// timed-out read).
type tlsTransport struct {
	f    *os.File // accepted descriptor, kept for poll registration
	conn *tls.Conn

	hs     chan error
	hsDone bool
	hsErr  error
}

// newTLSTransport wraps an accepted non-blocking descriptor. The fd is
// duplicated into a runtime-managed conn for the record layer; the
// original stays with the transport so the event loop can keep polling
// it (both share one file description, so readiness is shared).
func newTLSTransport(fd int, cfg *tls.Config) (*tlsTransport, error) {
	f := os.NewFile(uintptr(fd), "tls-conn")
	nc, err := net.FileConn(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	t := &tlsTransport{
		f:    f,
		conn: tls.Server(nc, cfg),
		hs:   make(chan error, 1),
	}
	go func() { t.hs <- t.conn.Handshake() }()
	return t, nil
}

func (t *tlsTransport) Handshake() error {
	if t.hsDone {
		return t.hsErr
	}
	select {
	case err := <-t.hs:
		t.hsDone = true
		t.hsErr = err
		return err
	default:
		return ErrAgain
	}
}

func (t *tlsTransport) Read(p []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now().Add(tlsReadPoll))
	n, err := t.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrAgain
	}
	return n, err
}

func (t *tlsTransport) Write(p []byte) (int, error) {
	t.conn.SetWriteDeadline(time.Now().Add(tlsWriteTimeout))
	return t.conn.Write(p)
}

func (t *tlsTransport) Close() error {
	// Drain the handshake result so the helper goroutine never blocks.
	if !t.hsDone {
		select {
		case <-t.hs:
			t.hsDone = true
		default:
		}
	}
	err := t.conn.Close()
	t.f.Close()
	return err
}

func (t *tlsTransport) SendfileFd() int {
	return -1
}

// connectionState returns the negotiated TLS state, valid only after the
// handshake completed.
func (t *tlsTransport) connectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}

// Session info enumerations. Values are derived from the negotiated
// cipher suite; suites outside the table report the Unknown member.

// ProtocolVersion identifies the negotiated TLS protocol.
type ProtocolVersion int

const (
	ProtocolUnknown ProtocolVersion = iota
	ProtocolTLS10
	ProtocolTLS11
	ProtocolTLS12
	ProtocolTLS13
)

// CipherAlgorithm identifies the negotiated bulk cipher.
type CipherAlgorithm int

const (
	CipherUnknown CipherAlgorithm = iota
	CipherAES128GCM
	CipherAES256GCM
	CipherAES128CBC
	CipherChaCha20Poly1305
	Cipher3DESCBC
)

// KeyExchangeAlgorithm identifies the negotiated key exchange.
type KeyExchangeAlgorithm int

const (
	KeyExchangeUnknown KeyExchangeAlgorithm = iota
	KeyExchangeRSA
	KeyExchangeECDHERSA
	KeyExchangeECDHEECDSA
	// KeyExchangeTLS13 covers TLS 1.3, where the key exchange is always
	// an ephemeral (EC)DHE and no longer part of the suite name.
	KeyExchangeTLS13
)

// MACAlgorithm identifies the record authentication algorithm.
type MACAlgorithm int

const (
	MACUnknown MACAlgorithm = iota
	MACAEAD
	MACSHA1
	MACSHA256
)

// CompressionMethod identifies the record compression method. TLS
// compression is never negotiated, so this is always null for
// established sessions.
type CompressionMethod int

const (
	CompressionUnknown CompressionMethod = iota
	CompressionNull
)

// CertificateType identifies the certificate encoding in use.
type CertificateType int

const (
	CertificateUnknown CertificateType = iota
	CertificateX509
)

// CredentialsType identifies the daemon's TLS credential kind.
type CredentialsType int

const (
	CredentialsNone CredentialsType = iota
	CredentialsCertificate
)

// SessionInfo describes an established TLS session.
type SessionInfo struct {
	Protocol        ProtocolVersion
	Cipher          CipherAlgorithm
	KeyExchange     KeyExchangeAlgorithm
	MAC             MACAlgorithm
	Compression     CompressionMethod
	CertificateType CertificateType
	Credentials     CredentialsType
}

// suiteAlgorithms maps the cipher suites the daemon can negotiate to
// their component algorithms.
var suiteAlgorithms = map[uint16]struct {
	cipher CipherAlgorithm
	kx     KeyExchangeAlgorithm
	mac    MACAlgorithm
}{
	tls.TLS_AES_128_GCM_SHA256:                        {CipherAES128GCM, KeyExchangeTLS13, MACAEAD},
	tls.TLS_AES_256_GCM_SHA384:                        {CipherAES256GCM, KeyExchangeTLS13, MACAEAD},
	tls.TLS_CHACHA20_POLY1305_SHA256:                  {CipherChaCha20Poly1305, KeyExchangeTLS13, MACAEAD},
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:         {CipherAES128GCM, KeyExchangeECDHERSA, MACAEAD},
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:         {CipherAES256GCM, KeyExchangeECDHERSA, MACAEAD},
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:       {CipherAES128GCM, KeyExchangeECDHEECDSA, MACAEAD},
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:       {CipherAES256GCM, KeyExchangeECDHEECDSA, MACAEAD},
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:   {CipherChaCha20Poly1305, KeyExchangeECDHERSA, MACAEAD},
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256: {CipherChaCha20Poly1305, KeyExchangeECDHEECDSA, MACAEAD},
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:            {CipherAES128CBC, KeyExchangeECDHERSA, MACSHA1},
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256:               {CipherAES128GCM, KeyExchangeRSA, MACAEAD},
	tls.TLS_RSA_WITH_AES_128_CBC_SHA:                  {CipherAES128CBC, KeyExchangeRSA, MACSHA1},
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA:                 {Cipher3DESCBC, KeyExchangeRSA, MACSHA1},
}

func sessionInfoFromState(cs tls.ConnectionState) *SessionInfo {
	info := &SessionInfo{
		Compression:     CompressionNull,
		CertificateType: CertificateX509,
		Credentials:     CredentialsCertificate,
	}
	switch cs.Version {
	case tls.VersionTLS10:
		info.Protocol = ProtocolTLS10
	case tls.VersionTLS11:
		info.Protocol = ProtocolTLS11
	case tls.VersionTLS12:
		info.Protocol = ProtocolTLS12
	case tls.VersionTLS13:
		info.Protocol = ProtocolTLS13
	}
	if alg, ok := suiteAlgorithms[cs.CipherSuite]; ok {
		info.Cipher = alg.cipher
		info.KeyExchange = alg.kx
		info.MAC = alg.mac
	}
	return info
}

// applyPriorities maps a gnutls-style priority string onto a tls.Config.
// Recognized tokens: NORMAL (defaults), SECURE128, SECURE256 (raise the
// floor), PFS (ephemeral key exchange only). Unrecognized tokens are
// ignored; the string is advisory, not a grammar.
func applyPriorities(cfg *tls.Config, priorities string) {
	switch priorities {
	case "", "NORMAL":
	case "SECURE128":
		cfg.MinVersion = tls.VersionTLS12
	case "SECURE256":
		cfg.MinVersion = tls.VersionTLS12
		cfg.CipherSuites = []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		}
	case "PFS":
		cfg.MinVersion = tls.VersionTLS12
		cfg.CipherSuites = []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		}
	}
}
