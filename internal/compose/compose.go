// Package compose defines the text-composition port the send_messages
// use-case drives to produce outgoing DM text. No real message generation
// is implemented here, per the system's non-goals — only the contract.
package compose

import "context"

// Context carries the signals a composer may use to produce message text.
type Context struct {
	Username        string
	Category        string
	Followers       int
	AvgViews        float64
	EngagementScore float64
	SuccessScore    float64
}

// Port is the text-composition contract: compose_message(context,
// template_id?) -> string.
type Port interface {
	ComposeMessage(ctx context.Context, msgCtx Context, templateID string) (string, error)
}

// StaticPort is a Port that returns the text supplied at construction
// unchanged for every call, ignoring the context and the template id. The
// send_messages use-case consults the composer only for tasks that carry a
// template_id and no literal text.
type StaticPort struct {
	Text string
}

// ComposeMessage returns the configured static text.
func (p StaticPort) ComposeMessage(context.Context, Context, string) (string, error) {
	return p.Text, nil
}
