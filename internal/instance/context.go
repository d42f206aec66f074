// Package instance holds the per-instance runtime handles that every
// component receives at construction: the instance id used to tag
// broadcasts, the logger and the clock.
package instance

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context identifies one running front end. It is passed explicitly; there
// is no package-level instance state.
type Context struct {
	ID     string
	Logger *zap.Logger
	Clock  func() time.Time
}

// New returns a Context with a fresh random instance id.
func New(logger *zap.Logger) *Context {
	return NewWithID(uuid.NewString(), logger)
}

// NewWithID returns a Context with a fixed id. Tests use it to simulate
// several instances sharing one store.
func NewWithID(id string, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		ID:     id,
		Logger: logger.With(zap.String("instance", id)),
		Clock:  time.Now,
	}
}

// Now reads the instance clock.
func (c *Context) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// Named returns a child logger for a component.
func (c *Context) Named(component string) *zap.Logger {
	return c.Logger.Named(component)
}
