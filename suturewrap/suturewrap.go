// Package suturewrap adapts a plain function into a suture.Service, the
// same convenience the teacher's own (now-superseded) lib/suturewrap
// provided for the older, context-less suture v1 API: most background
// loops in this module are a single function that runs until its
// context is cancelled, and don't need a hand-written Service type of
// their own.
package suturewrap

import (
	"context"

	"github.com/thejerf/suture/v4"
)

type funcService struct {
	name string
	fn   func(ctx context.Context) error
}

func (f *funcService) Serve(ctx context.Context) error {
	return f.fn(ctx)
}

func (f *funcService) String() string {
	return f.name
}

// AsService wraps fn as a suture.Service named name, for Add-ing onto a
// supervisor.
func AsService(fn func(ctx context.Context) error, name string) suture.Service {
	return &funcService{name: name, fn: fn}
}
