package router

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chronosdb/chronos"
)

// mongoPool owns one lazily-opened pooled client per URI. The router is the
// sole mutator of this pool.
type mongoPool struct {
	mu      sync.Mutex
	clients map[string]*mongo.Client
	// txnSupport caches the replica-set probe per URI.
	txnSupport map[string]bool
}

func newMongoPool() *mongoPool {
	return &mongoPool{
		clients:    map[string]*mongo.Client{},
		txnSupport: map[string]bool{},
	}
}

// client returns the pooled client for uri, opening it on first use.
func (p *mongoPool) client(ctx context.Context, uri string) (*mongo.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[uri]; ok {
		return c, nil
	}
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(15).
		SetMaxConnIdleTime(60 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetSocketTimeout(45 * time.Second)
	c, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, chronos.Errorf(chronos.ErrRoute, "connecting to metadata store, details: %v", err)
	}
	p.clients[uri] = c
	return c, nil
}

// supportsTransactions probes replica-set capability once per URI and caches
// the answer. Replica-set members advertise setName; mongos advertises
// msg == "isdbgrid". A standalone supports neither, so the pipeline degrades
// to sequenced writes.
func (p *mongoPool) supportsTransactions(ctx context.Context, uri string) (bool, error) {
	p.mu.Lock()
	if v, ok := p.txnSupport[uri]; ok {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	c, err := p.client(ctx, uri)
	if err != nil {
		return false, err
	}
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := c.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		// Older servers only answer the legacy form.
		if err2 := c.Database("admin").RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&hello); err2 != nil {
			return false, chronos.Errorf(chronos.ErrRoute, "probing transaction support, details: %v", err)
		}
	}
	supported := hello.SetName != "" || hello.Msg == "isdbgrid"

	p.mu.Lock()
	p.txnSupport[uri] = supported
	p.mu.Unlock()
	return supported, nil
}

// close disconnects every pooled client.
func (p *mongoPool) close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lastErr error
	for uri, c := range p.clients {
		if err := c.Disconnect(ctx); err != nil {
			lastErr = err
		}
		delete(p.clients, uri)
	}
	return lastErr
}
