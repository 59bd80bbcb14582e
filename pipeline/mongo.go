package pipeline

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chronosdb/chronos"
)

// Repos bundles the four per-collection Mongo repositories plus the
// committer matched to the backend's transaction capability.
type Repos struct {
	Heads   HeadRepo
	Vers    VerRepo
	Counter CounterRepo
	Locks   LockRepo
	Txn     Committer
}

// NewMongoRepos wires the `<collection>_head|_ver|_counter|_locks`
// collections of the routed database. useTxn selects the transactional
// committer; pass the router's SupportsTransactions answer.
func NewMongoRepos(client *mongo.Client, dbName, collection string, useTxn bool) *Repos {
	db := client.Database(dbName)
	r := &Repos{
		Heads:   &mongoHeads{c: db.Collection(collection + "_head")},
		Vers:    &mongoVers{c: db.Collection(collection + "_ver")},
		Counter: &mongoCounter{c: db.Collection(collection + "_counter")},
		Locks:   &mongoLocks{c: db.Collection(collection + "_locks")},
	}
	if useTxn {
		r.Txn = &txnCommitter{client: client}
	} else {
		r.Txn = seqCommitter{}
	}
	return r
}

// EnsureIndexes creates the supporting indexes. Idempotent; call at engine
// startup per routed collection.
func (r *Repos) EnsureIndexes(ctx context.Context) error {
	mv, ok := r.Vers.(*mongoVers)
	if !ok {
		return nil
	}
	_, err := mv.c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "itemId", Value: 1}, {Key: "ov", Value: -1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "itemId", Value: 1}, {Key: "cv", Value: -1}}},
		{Keys: bson.D{{Key: "itemId", Value: 1}, {Key: "committedAt", Value: -1}}},
	})
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "creating version indexes, details: %v", err)
	}
	return nil
}

type mongoHeads struct {
	c *mongo.Collection
}

func (r *mongoHeads) Get(ctx context.Context, id chronos.ID) (Head, error) {
	var h Head
	err := r.c.FindOne(ctx, bson.M{"_id": id}).Decode(&h)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Head{}, chronos.Errorf(chronos.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return Head{}, chronos.Errorf(chronos.ErrStorage, "reading head %s, details: %v", id, err)
	}
	return h, nil
}

func (r *mongoHeads) Insert(ctx context.Context, h Head) error {
	if _, err := r.c.InsertOne(ctx, h); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chronos.Errorf(chronos.ErrOptimisticLock, "record %s already exists", h.ID)
		}
		return chronos.Errorf(chronos.ErrStorage, "inserting head %s, details: %v", h.ID, err)
	}
	return nil
}

func (r *mongoHeads) UpdateConditional(ctx context.Context, id chronos.ID, expectedOv uint64, h Head) error {
	res, err := r.c.ReplaceOne(ctx, bson.M{"_id": id, "ov": expectedOv}, h)
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "updating head %s, details: %v", id, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	// Distinguish a stale ov from a missing record.
	n, err := r.c.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "checking head %s, details: %v", id, err)
	}
	if n == 0 {
		return chronos.Errorf(chronos.ErrNotFound, "record %s not found", id)
	}
	return chronos.Errorf(chronos.ErrOptimisticLock, "record %s changed since ov %d", id, expectedOv)
}

func (r *mongoHeads) Delete(ctx context.Context, id chronos.ID) error {
	if _, err := r.c.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return chronos.Errorf(chronos.ErrStorage, "deleting head %s, details: %v", id, err)
	}
	return nil
}

func (r *mongoHeads) List(ctx context.Context, q ListQuery) ([]Head, error) {
	filter := bson.M{}
	for k, v := range q.Filter {
		filter["metaIndexed."+k] = v
	}
	if !q.AfterID.IsNil() {
		filter["_id"] = bson.M{"$gt": q.AfterID}
	}
	sort := bson.D{}
	for k, dir := range q.Sort {
		sort = append(sort, bson.E{Key: "metaIndexed." + k, Value: dir})
	}
	sort = append(sort, bson.E{Key: "_id", Value: 1})
	opts := options.Find().SetSort(sort)
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cur, err := r.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "listing heads, details: %v", err)
	}
	var out []Head
	if err := cur.All(ctx, &out); err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "decoding heads, details: %v", err)
	}
	return out, nil
}

func (r *mongoHeads) ListIDs(ctx context.Context, afterID chronos.ID, limit int64) ([]chronos.ID, error) {
	filter := bson.M{}
	if !afterID.IsNil() {
		filter["_id"] = bson.M{"$gt": afterID}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "listing record ids, details: %v", err)
	}
	var rows []struct {
		ID chronos.ID `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "decoding record ids, details: %v", err)
	}
	ids := make([]chronos.ID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids, nil
}

type mongoVers struct {
	c *mongo.Collection
}

func (r *mongoVers) Append(ctx context.Context, v Version) error {
	if _, err := r.c.InsertOne(ctx, v); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chronos.Errorf(chronos.ErrOptimisticLock, "version %s/v%d already committed", v.ItemID, v.OV)
		}
		return chronos.Errorf(chronos.ErrStorage, "appending version %s/v%d, details: %v", v.ItemID, v.OV, err)
	}
	return nil
}

func (r *mongoVers) findOne(ctx context.Context, filter bson.M, sort bson.D) (Version, error) {
	var v Version
	err := r.c.FindOne(ctx, filter, options.FindOne().SetSort(sort)).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Version{}, chronos.Errorf(chronos.ErrNotFound, "no matching version")
	}
	if err != nil {
		return Version{}, chronos.Errorf(chronos.ErrStorage, "reading version, details: %v", err)
	}
	return v, nil
}

func (r *mongoVers) Get(ctx context.Context, itemID chronos.ID, ov uint64) (Version, error) {
	v, err := r.findOne(ctx, bson.M{"itemId": itemID, "ov": ov}, bson.D{})
	if chronos.CodeOf(err) == chronos.ErrNotFound {
		return Version{}, chronos.Errorf(chronos.ErrNotFound, "version %s/v%d not found", itemID, ov)
	}
	return v, err
}

func (r *mongoVers) LatestAtOrBefore(ctx context.Context, itemID chronos.ID, at time.Time) (Version, error) {
	return r.findOne(ctx,
		bson.M{"itemId": itemID, "committedAt": bson.M{"$lte": at}},
		bson.D{{Key: "committedAt", Value: -1}, {Key: "ov", Value: -1}})
}

func (r *mongoVers) LatestCVAtOrBefore(ctx context.Context, itemID chronos.ID, cv uint64) (Version, error) {
	return r.findOne(ctx,
		bson.M{"itemId": itemID, "cv": bson.M{"$lte": cv}},
		bson.D{{Key: "cv", Value: -1}})
}

func (r *mongoVers) Latest(ctx context.Context, itemID chronos.ID) (Version, error) {
	return r.findOne(ctx, bson.M{"itemId": itemID}, bson.D{{Key: "ov", Value: -1}})
}

func (r *mongoVers) DeleteAll(ctx context.Context, itemID chronos.ID) error {
	if _, err := r.c.DeleteMany(ctx, bson.M{"itemId": itemID}); err != nil {
		return chronos.Errorf(chronos.ErrStorage, "deleting versions of %s, details: %v", itemID, err)
	}
	return nil
}

type mongoCounter struct {
	c *mongo.Collection
}

// Next atomically allocates the next collection version.
func (r *mongoCounter) Next(ctx context.Context) (uint64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := r.c.FindOneAndUpdate(ctx,
		bson.M{"_id": "cv"},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, chronos.Errorf(chronos.ErrStorage, "allocating collection version, details: %v", err)
	}
	return uint64(doc.Value), nil
}

type lockDoc struct {
	ID         chronos.ID `bson:"_id"`
	OwnerID    string     `bson:"ownerId"`
	AcquiredAt time.Time  `bson:"acquiredAt"`
	ExpiresAt  time.Time  `bson:"expiresAt"`
}

type mongoLocks struct {
	c *mongo.Collection
}

func (r *mongoLocks) Acquire(ctx context.Context, itemID chronos.ID, ownerID string, ttl time.Duration) error {
	now := time.Now().UTC()
	doc := lockDoc{ID: itemID, OwnerID: ownerID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	_, err := r.c.InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return chronos.Errorf(chronos.ErrStorage, "acquiring lock %s, details: %v", itemID, err)
	}
	// Held by someone; take it over only if expired.
	res, err := r.c.ReplaceOne(ctx, bson.M{"_id": itemID, "expiresAt": bson.M{"$lt": now}}, doc)
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "reclaiming lock %s, details: %v", itemID, err)
	}
	if res.MatchedCount == 0 {
		return chronos.Errorf(chronos.ErrLockBusy, "record %s is locked by another writer", itemID)
	}
	return nil
}

func (r *mongoLocks) Release(ctx context.Context, itemID chronos.ID, ownerID string) error {
	if _, err := r.c.DeleteOne(ctx, bson.M{"_id": itemID, "ownerId": ownerID}); err != nil {
		return chronos.Errorf(chronos.ErrStorage, "releasing lock %s, details: %v", itemID, err)
	}
	return nil
}

// txnCommitter runs the head+ver commit inside a Mongo multi-document
// transaction.
type txnCommitter struct {
	client *mongo.Client
}

func (t *txnCommitter) Transactional() bool { return true }

func (t *txnCommitter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := t.client.StartSession()
	if err != nil {
		return chronos.Errorf(chronos.ErrTxn, "starting session, details: %v", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sctx mongo.SessionContext) (any, error) {
		return nil, fn(sctx)
	})
	if err != nil {
		if chronos.CodeOf(err) != chronos.Unknown {
			return err
		}
		return chronos.Errorf(chronos.ErrTxn, "commit aborted, details: %v", err)
	}
	return nil
}

// seqCommitter runs the commit as plain sequenced writes for backends
// without replica-set transactions.
type seqCommitter struct{}

func (seqCommitter) Transactional() bool { return false }

func (seqCommitter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
