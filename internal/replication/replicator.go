// Package replication pushes entity change notifications to peer nodes so a
// warm standby can refresh its caches. Delivery is best effort: a peer that
// cannot be reached only produces a log line, never an error on the trading
// path.
package replication

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

type SyncItem struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Operation  string    `json:"operation"`
	QueuedAt   time.Time `json:"queued_at"`
}

type Replicator struct {
	client *resty.Client
	peers  []string
	token  string
	log    zerolog.Logger

	queue chan SyncItem
	done  chan struct{}
}

func New(peers []string, internalToken string, log zerolog.Logger) *Replicator {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetRetryCount(2)

	r := &Replicator{
		client: client,
		peers:  peers,
		token:  internalToken,
		log:    log,
		queue:  make(chan SyncItem, 1024),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// QueueSync enqueues a change notification. Drops the item when the queue is
// full rather than blocking the caller.
func (r *Replicator) QueueSync(entityType, entityID, operation string) {
	item := SyncItem{EntityType: entityType, EntityID: entityID, Operation: operation, QueuedAt: time.Now().UTC()}
	select {
	case r.queue <- item:
	default:
		r.log.Warn().Str("entity_type", entityType).Str("entity_id", entityID).Msg("replication queue full, dropping item")
	}
}

func (r *Replicator) Close() {
	close(r.done)
}

func (r *Replicator) run() {
	for {
		select {
		case item := <-r.queue:
			r.push(item)
		case <-r.done:
			return
		}
	}
}

func (r *Replicator) push(item SyncItem) {
	for _, peer := range r.peers {
		resp, err := r.client.R().
			SetHeader("X-Internal-Token", r.token).
			SetBody(item).
			Post(peer + "/internal/sync")
		if err != nil {
			r.log.Warn().Err(err).Str("peer", peer).Str("entity_id", item.EntityID).Msg("replication push failed")
			continue
		}
		if resp.IsError() {
			r.log.Warn().Int("status", resp.StatusCode()).Str("peer", peer).Str("entity_id", item.EntityID).Msg("replication push rejected")
		}
	}
}
