// Package news persists upstream news items and fans them out to the
// news stream.
package news

import (
	"context"
	"log"
	"time"

	"stockstreamv1/internal/model"
)

// Store is the slice of the market store the pipeline needs.
type Store interface {
	InsertNews(ctx context.Context, n model.NewsItem) error
	UpdateNewsSentiment(ctx context.Context, id string, score float64, label string) error
}

// Broadcaster fans an encoded news frame out to stream subscribers.
type Broadcaster interface {
	Publish(frame []byte)
}

const persistTimeout = 5 * time.Second

// Pipeline wires the news path: persist first, then broadcast. It is
// the aggregator's news sink.
type Pipeline struct {
	store Store
	hub   Broadcaster

	OnStoreError func()
}

// NewPipeline creates a pipeline.
func NewPipeline(store Store, hub Broadcaster) *Pipeline {
	return &Pipeline{store: store, hub: hub}
}

// OnNews handles one upstream news item. A persist failure is logged
// and the item is still broadcast: the stream is best-effort, the store
// catches up on the provider's next redelivery.
func (p *Pipeline) OnNews(item model.NewsItem) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := p.store.InsertNews(ctx, item); err != nil {
		log.Printf("[news] persist %s failed: %v", item.ID, err)
		if p.OnStoreError != nil {
			p.OnStoreError()
		}
	}
	p.hub.Publish(item.Frame())
}

// ApplySentiment records a sentiment score for an existing item. Safe
// to re-apply with the same values.
func (p *Pipeline) ApplySentiment(ctx context.Context, id string, score float64, label string) error {
	return p.store.UpdateNewsSentiment(ctx, id, score, label)
}
