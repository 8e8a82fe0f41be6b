//go:build !linux

package netpoll

// Poller is unavailable on this platform; New always fails.
type Poller struct{}

// New reports ErrUnsupported.
func New(ready func(Token)) (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Register(token Token, fd int, interest Interest) error { return ErrUnsupported }
func (p *Poller) Deregister(fd int) error                              { return ErrUnsupported }
func (p *Poller) Registered(fd int) bool                               { return false }
func (p *Poller) Len() int                                             { return 0 }
func (p *Poller) Run() error                                           { return ErrUnsupported }
func (p *Poller) Close() error                                         { return nil }
