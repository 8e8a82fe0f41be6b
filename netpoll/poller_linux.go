//go:build linux

package netpoll

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxEvents is the number of events fetched per wait call.
const maxEvents = 128

// Poller is an epoll instance plus an eventfd used to interrupt the wait.
type Poller struct {
	epfd   int
	wakefd int
	ready  func(Token)

	mu         sync.Mutex
	registered map[int]Token

	closed  atomic.Bool
	running atomic.Bool
	release sync.Once
}

// New creates a poller delivering ready tokens to ready.
func New(ready func(Token)) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	setToken(&ev, wakeToken)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wake fd: %w", err)
	}
	return &Poller{
		epfd:       epfd,
		wakefd:     wakefd,
		ready:      ready,
		registered: make(map[int]Token),
	}, nil
}

// Register arms a one-shot watch of fd for interest. The fd is added on
// its first registration and re-armed afterwards.
func (p *Poller) Register(token Token, fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: unix.EPOLLONESHOT | unix.EPOLLET | unix.EPOLLRDHUP}
	if interest&Readable != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	setToken(&ev, token)

	p.mu.Lock()
	defer p.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if _, ok := p.registered[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("register fd %d (%s): %w", fd, interest, err)
	}
	p.registered[fd] = token
	return nil
}

// Deregister removes fd from the poller. Removing an fd that is not
// registered is not an error.
func (p *Poller) Deregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.registered[fd]; !ok {
		return nil
	}
	delete(p.registered, fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("deregister fd %d: %w", fd, err)
	}
	return nil
}

// Registered reports whether fd is currently known to the poller.
func (p *Poller) Registered(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.registered[fd]
	return ok
}

// Len returns the number of registered descriptors.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registered)
}

// Run waits for readiness and delivers tokens until Close is called.
// Interrupted waits are retried; any other failure is returned.
func (p *Poller) Run() error {
	p.running.Store(true)
	defer p.releaseFDs()
	if p.closed.Load() {
		return nil
	}

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%w: epoll_wait: %v", ErrPollFailed, err)
		}
		for i := 0; i < n; i++ {
			token := tokenOf(&events[i])
			if token == wakeToken {
				p.drainWake()
				if p.closed.Load() {
					return nil
				}
				continue
			}
			p.ready(token)
		}
	}
}

// Close stops Run. Registrations are dropped without delivering tokens.
func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if !p.running.Load() {
		p.releaseFDs()
		return nil
	}
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake poller: %w", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *Poller) releaseFDs() {
	p.release.Do(func() {
		if err := unix.Close(p.epfd); err != nil {
			log.Warningf("closing epoll fd: %v", err)
		}
		if err := unix.Close(p.wakefd); err != nil {
			log.Warningf("closing wake fd: %v", err)
		}
		log.Debug("poller closed")
	})
}

// setToken stores a 64-bit token in the event's user data.
func setToken(ev *unix.EpollEvent, t Token) {
	ev.Fd = int32(uint32(t))
	ev.Pad = int32(uint32(t >> 32))
}

func tokenOf(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}
