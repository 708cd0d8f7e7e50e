package ledgerrpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/mpc"
)

const (
	// seenOffsets bounds the dedup window of ClusterLink.
	seenOffsets = 4096
	// sweepInterval is how often pending computations are re-read from the
	// node, catching requests older than the event backlog and requests a
	// failed delivery left pending.
	sweepInterval = time.Minute
)

// ClusterLink lets an mpc.Cluster serve a remote node. It watches the
// events that queue computations, fetches each queued request and feeds it to
// the cluster's queue; callbacks and instructions go over REST.
type ClusterLink struct {
	*Client
	stream *EventStream
	queue  chan domain.ComputationRequest
	seen   map[uint64]struct{}
	order  []uint64
	logger *slog.Logger
}

var _ mpc.Ledger = (*ClusterLink)(nil)

// NewClusterLink creates a ClusterLink over c and a stream of queued
// computation events. The stream replays from the start of the event log,
// and each connection starts with a sweep of the node's pending list, so
// requests queued before the cluster connected are not lost.
func NewClusterLink(c *Client, stream *EventStream, logger *slog.Logger) *ClusterLink {
	stream.ReplayFrom(0)
	return &ClusterLink{
		Client: c,
		stream: stream,
		queue:  make(chan domain.ComputationRequest, streamBuffer),
		seen:   make(map[uint64]struct{}),
		logger: logger.With(slog.String("component", "cluster_link")),
	}
}

// QueuedChannels are the event channels ClusterLink streams: open and
// update announce their own computations, the rest use computation_queued.
func QueuedChannels() []string {
	types := domain.QueueingEventTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = "events:" + string(t)
	}
	return out
}

// Queue returns the request feed for the cluster workers.
func (l *ClusterLink) Queue() <-chan domain.ComputationRequest { return l.queue }

// Run relays queued requests until ctx is cancelled, reconnecting with a
// capped backoff.
func (l *ClusterLink) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		events, cancel := l.stream.Subscribe()
		l.sweep(ctx, 0)
		received := l.consume(ctx, events)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff = time.Second
		}
		l.logger.WarnContext(ctx, "queue stream disconnected", slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

func (l *ClusterLink) consume(ctx context.Context, events <-chan domain.Event) bool {
	received := false
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return received
		case <-ticker.C:
			l.sweep(ctx, sweepInterval)
		case e, ok := <-events:
			if !ok {
				return received
			}
			received = true
			if !e.Type.Queues() || e.Status != domain.StatusPending || l.remember(e.Offset) {
				continue
			}
			l.forward(ctx, e.Offset)
		}
	}
}

// sweep forwards pending computations from the node's list. With a zero
// age only unseen offsets are sent; otherwise any request submitted more
// than age ago is sent again.
func (l *ClusterLink) sweep(ctx context.Context, age time.Duration) {
	pending, err := l.PendingComputations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.WarnContext(ctx, "list pending computations", slog.String("error", err.Error()))
		}
		return
	}
	cutoff := time.Now().Add(-age)
	for _, comp := range pending {
		if comp.Request == nil {
			continue
		}
		seen := l.remember(comp.Offset)
		if seen && (age == 0 || comp.SubmittedAt.After(cutoff)) {
			continue
		}
		l.send(ctx, *comp.Request)
	}
}

// remember reports whether offset was already forwarded.
func (l *ClusterLink) remember(offset uint64) bool {
	if _, ok := l.seen[offset]; ok {
		return true
	}
	l.seen[offset] = struct{}{}
	l.order = append(l.order, offset)
	if len(l.order) > seenOffsets {
		delete(l.seen, l.order[0])
		l.order = l.order[1:]
	}
	return false
}

func (l *ClusterLink) forward(ctx context.Context, offset uint64) {
	comp, err := l.Computation(ctx, offset)
	if err != nil {
		l.logger.ErrorContext(ctx, "fetch queued computation",
			slog.Uint64("offset", offset),
			slog.String("error", err.Error()),
		)
		return
	}
	if comp.Status.Resolved() || comp.Request == nil {
		return
	}
	l.send(ctx, *comp.Request)
}

func (l *ClusterLink) send(ctx context.Context, req domain.ComputationRequest) {
	select {
	case l.queue <- req:
	case <-ctx.Done():
	}
}
