package driver

import (
	"context"
	"fmt"
)

// Authorization describes an operation about to change an instance.
type Authorization struct {
	Operation string
	Phase     Phase
	Kind      string
	Target    string
	Layout    Layout
}

// Guard approves or refuses operations. A non-nil error refuses.
type Guard interface {
	Authorize(ctx context.Context, req Authorization) error
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx context.Context, req Authorization) error

// Authorize calls f.
func (f GuardFunc) Authorize(ctx context.Context, req Authorization) error {
	return f(ctx, req)
}

func (d *Driver) authorize(ctx context.Context, op string) error {
	if d.guard == nil {
		return nil
	}
	err := d.guard.Authorize(ctx, Authorization{
		Operation: op,
		Phase:     d.phase,
		Kind:      d.desc.Kind(),
		Target:    d.target.Address(),
		Layout:    d.layout,
	})
	if err == nil {
		return nil
	}
	_ = d.events.PublishPolicyDenied(d.params.InstanceID, op, err.Error())
	return &StageError{
		Kind:    KindPolicyDenied,
		Message: fmt.Sprintf("%s refused", op),
		Err:     err,
	}
}
