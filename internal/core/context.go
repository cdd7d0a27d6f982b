package core

import (
	"sync"

	"github.com/SimplyPrint/apdu-shell/internal/logging"
)

// Context is a shared handle to the smartcard resource manager.
//
// The creator holds one reference and every Session holds another, so the
// underlying SmartCardContext is released only after the creator has called
// Release and the last Session has been closed.
type Context struct {
	mu            sync.Mutex
	sc            SmartCardContext
	refs          int
	ownerReleased bool
}

// EstablishContext creates a Context through factory. A nil factory uses
// the real PC/SC subsystem.
func EstablishContext(factory ContextFactory) (*Context, error) {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	sc, err := factory.EstablishContext()
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeContext,
			Op:      "establish context",
			Status:  StatusCode(err),
			Message: "failed to establish context",
			Cause:   err,
		}
	}
	logging.Debug(logging.CatSystem, "Context established", nil)
	return NewContext(sc), nil
}

// NewContext wraps an already established SmartCardContext.
func NewContext(sc SmartCardContext) *Context {
	return &Context{sc: sc, refs: 1}
}

// Release drops the creator's reference. Safe to call more than once.
func (c *Context) Release() error {
	c.mu.Lock()
	if c.ownerReleased {
		c.mu.Unlock()
		return nil
	}
	c.ownerReleased = true
	c.mu.Unlock()
	return c.release()
}

// Refs returns the number of live references.
func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

func (c *Context) acquire() (SmartCardContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		return nil, ErrContextReleased
	}
	c.refs++
	return c.sc, nil
}

func (c *Context) release() error {
	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		return nil
	}
	c.refs--
	last := c.refs == 0
	c.mu.Unlock()

	if !last {
		return nil
	}
	logging.Debug(logging.CatSystem, "Releasing context", nil)
	return c.sc.Release()
}
