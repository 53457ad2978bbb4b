package subsystem

import (
	"context"
	"sync"

	"github.com/eigerco/approval-voting/internal/message"
	"github.com/eigerco/approval-voting/pkg/log"
)

// outboundMessage holds exactly one of an assignment and an approval.
type outboundMessage struct {
	assignment *message.Assignment
	approval   *message.Approval
}

// outbox queues locally produced messages so the driver never waits on
// peers. A single sender drains it in order.
type outbox struct {
	out Outbound

	mu    sync.Mutex
	queue []outboundMessage
	ready chan struct{}
}

func newOutbox(out Outbound) *outbox {
	return &outbox{out: out, ready: make(chan struct{}, 1)}
}

func (o *outbox) push(m outboundMessage) {
	o.mu.Lock()
	o.queue = append(o.queue, m)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() (outboundMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return outboundMessage{}, false
	}
	m := o.queue[0]
	o.queue[0] = outboundMessage{}
	o.queue = o.queue[1:]
	return m, true
}

func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// run sends queued messages until ctx is cancelled.
func (o *outbox) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.ready:
			o.flush(ctx)
		}
	}
}

// flush sends everything queued so far.
func (o *outbox) flush(ctx context.Context) {
	for ctx.Err() == nil {
		m, ok := o.pop()
		if !ok {
			return
		}
		o.send(ctx, m)
	}
}

func (o *outbox) send(ctx context.Context, m outboundMessage) {
	sctx, cancel := sendContext(ctx)
	defer cancel()

	switch {
	case m.assignment != nil:
		if err := o.out.SendAssignment(sctx, *m.assignment); err != nil {
			log.Network.Warn().Err(err).Stringer("block", m.assignment.Block).Uint32("candidate", m.assignment.CandidateIndex).Msg("failed to broadcast assignment")
		}
	case m.approval != nil:
		if err := o.out.SendApproval(sctx, *m.approval); err != nil {
			log.Network.Warn().Err(err).Stringer("block", m.approval.Block).Uint32("candidate", m.approval.CandidateIndex).Msg("failed to broadcast approval")
		}
	}
}
