package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/challenge"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
)

// Session is one isolated fetch context (cookie jar or browser tab). A
// session is used by one goroutine at a time.
type Session interface {
	challenge.Target
	ID() string
	Fetch(ctx context.Context, url string) (*models.Page, error)
	Close() error
}

// Screenshotter is implemented by sessions that can render the current page
// to an image (browser sessions).
type Screenshotter interface {
	Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error)
}

// SessionFactory opens a new session with the given ID.
type SessionFactory interface {
	NewSession(ctx context.Context, id string) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context, id string) (Session, error)

func (f SessionFactoryFunc) NewSession(ctx context.Context, id string) (Session, error) {
	return f(ctx, id)
}

// Lease is a session lent out by a SessionPool together with its challenge
// state.
type Lease struct {
	Session
	Challenge *challenge.Session
	discard   bool
}

// SessionPool lends out at most size sessions at once. Sessions are created
// lazily and reused, so challenge clearance carries over between fetches and
// between levels.
type SessionPool struct {
	factory SessionFactory
	idle    chan *Lease
	slots   chan struct{} // one token per session that may exist
	seq     int
	seqMu   sync.Mutex
	log     *logrus.Entry
}

// NewSessionPool creates a pool of up to size sessions.
func NewSessionPool(size int, factory SessionFactory, log *logrus.Entry) *SessionPool {
	if size < 1 {
		size = 1
	}
	p := &SessionPool{
		factory: factory,
		idle:    make(chan *Lease, size),
		slots:   make(chan struct{}, size),
		log:     log,
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire returns an idle session, opens a new one if the pool is below its
// size, or waits for a release.
func (p *SessionPool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case l := <-p.idle:
		return l, nil
	default:
	}

	select {
	case l := <-p.idle:
		return l, nil
	case <-p.slots:
		l, err := p.open(ctx)
		if err != nil {
			p.slots <- struct{}{}
			return nil, err
		}
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) open(ctx context.Context) (*Lease, error) {
	p.seqMu.Lock()
	p.seq++
	id := fmt.Sprintf("session-%d", p.seq)
	p.seqMu.Unlock()

	sess, err := p.factory.NewSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", id, err)
	}
	p.log.WithField("session", id).Debug("Opened fetch session")
	return &Lease{Session: sess, Challenge: challenge.NewSession()}, nil
}

// Discard marks the lease so Release closes the session instead of reusing
// it. The next Acquire opens a fresh session with fresh challenge state.
func (l *Lease) Discard() {
	l.discard = true
}

// Release returns a lease to the pool.
func (p *SessionPool) Release(l *Lease) {
	if l == nil {
		return
	}
	if l.discard {
		if err := l.Close(); err != nil {
			p.log.WithField("session", l.ID()).Warnf("Closing discarded session: %v", err)
		}
		p.slots <- struct{}{}
		return
	}
	p.idle <- l
}

// Close closes every idle session. Call it after all leases are released.
func (p *SessionPool) Close() error {
	var firstErr error
	for {
		select {
		case l := <-p.idle:
			if err := l.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			p.slots <- struct{}{}
		default:
			return firstErr
		}
	}
}
