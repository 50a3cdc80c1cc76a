// Package server owns the device-facing TCP surface: the accept loop
// with admission control, the per-connection session state machine, and
// the process-wide device directory the command sender uses to reach a
// connected device by IMEI.
package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionClosed is returned by writes on a torn-down session.
var ErrSessionClosed = errors.New("server: session closed")

// writeTimeout bounds socket writes (ACKs and command frames). A device
// that stops draining its receive window should not pin a goroutine.
const writeTimeout = 10 * time.Second

// Session is the connection state for one device. It is owned by its
// handler goroutine; the only cross-goroutine entry points are WriteFrame
// (command sender) and the read-only accessors.
type Session struct {
	conn       net.Conn
	remoteAddr string

	mu     sync.Mutex // serialises writes: data ACKs vs command frames
	closed bool

	imei         atomic.Value // string, set once at login
	lastActivity atomic.Int64 // unix nanos
}

func newSession(conn net.Conn) *Session {
	s := &Session{conn: conn, remoteAddr: conn.RemoteAddr().String()}
	s.imei.Store("")
	s.Touch()
	return s
}

// RemoteAddr returns the peer address as accepted.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// IMEI returns the authenticated device id, or "" before login.
func (s *Session) IMEI() string {
	v, _ := s.imei.Load().(string)
	return v
}

func (s *Session) setIMEI(imei string) { s.imei.Store(imei) }

// Touch records activity; pings and frames both count.
func (s *Session) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity reports when the device last sent anything.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// WriteFrame writes raw bytes on the socket under the session write lock,
// so a data ACK can never interleave with a Codec 12 command frame.
func (s *Session) WriteFrame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(b)
	return err
}

// close marks the session dead and closes the socket. Safe to call more
// than once.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.conn.Close()
	}
}

// Directory is the process-wide registry of live sessions, keyed by the
// remote (ip,port) with a secondary index by IMEI. Writers are only the
// login and teardown paths.
type Directory struct {
	mu     sync.Mutex
	byAddr map[string]*Session
	byIMEI map[string]*Session
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		byAddr: make(map[string]*Session),
		byIMEI: make(map[string]*Session),
	}
}

// Register indexes an authenticated session. A reconnecting device
// replaces its previous entry; the stale session will unregister itself
// as a no-op when its handler unwinds.
func (d *Directory) Register(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAddr[s.remoteAddr] = s
	if imei := s.IMEI(); imei != "" {
		d.byIMEI[imei] = s
	}
}

// Unregister removes a session from both indexes, guarding against a
// newer session having already claimed the same IMEI.
func (d *Directory) Unregister(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.byAddr[s.remoteAddr]; ok && cur == s {
		delete(d.byAddr, s.remoteAddr)
	}
	if imei := s.IMEI(); imei != "" {
		if cur, ok := d.byIMEI[imei]; ok && cur == s {
			delete(d.byIMEI, imei)
		}
	}
}

// ByIMEI resolves a live session for a device.
func (d *Directory) ByIMEI(imei string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byIMEI[imei]
	return s, ok
}

// ByAddr resolves a session by remote address.
func (d *Directory) ByAddr(addr string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byAddr[addr]
	return s, ok
}

// Len reports the number of registered sessions.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byAddr)
}
