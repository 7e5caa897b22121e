package enhance

import "context"

// Passthrough returns the composite unchanged. It is the default when no
// enhancement backend is configured.
type Passthrough struct{}

var _ Provider = Passthrough{}

func (Passthrough) Name() string { return KindPassthrough }

func (Passthrough) Submit(ctx context.Context, sub Submission) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, requestError(ctx, "submit", err)
	}
	return Handle{ID: sub.InputKey}, nil
}

func (Passthrough) Status(ctx context.Context, h Handle) (Status, error) {
	return Status{State: StateCompleted, Output: h.ID}, nil
}
