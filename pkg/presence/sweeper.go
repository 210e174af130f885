package presence

import (
	"context"
	"log"
	"time"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// RunSweeper evicts local users whose last heartbeat is older than
// node.UserStaleAfter, once per node.SweepInterval tick. It returns
// when the context is cancelled.
func (p *Presence) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(node.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweepOnce(time.Now())
		}
	}
}

// sweepOnce is a single sweep pass, split out for tests.
func (p *Presence) sweepOnce(now time.Time) {
	stale := p.node.Users.Stale(now, node.UserStaleAfter)
	for _, id := range stale {
		node.RecordSweepEviction()
		p.RemoveLocal(id, "heartbeat stale")
	}
	if len(stale) > 0 {
		log.Printf("[Sweep] evicted %d stale users", len(stale))
	}
}

// RunBeacon sends a HEARTBEAT envelope to every known peer once per
// node.PeerHeartbeatInterval so peers can tell a quiet node from a dead
// one. Sends are best-effort like all peer traffic.
func (p *Presence) RunBeacon(ctx context.Context) error {
	ticker := time.NewTicker(node.PeerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.beaconOnce()
		}
	}
}

func (p *Presence) beaconOnce() {
	if p.node.Peers.Len() == 0 {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeHeartbeat,
		p.node.Identifier(), identity.Broadcast(), time.Now().UnixMilli(),
		struct{}{})
	if err != nil {
		log.Printf("[Sweep] build heartbeat: %v", err)
		return
	}
	if err := protocol.SignMessage(&msg, p.node.Keys); err != nil {
		log.Printf("[Sweep] sign heartbeat: %v", err)
		return
	}
	p.links.Broadcast(msg)
}
