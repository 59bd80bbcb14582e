package fallback

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chronosdb/chronos"
)

// MongoStore keeps the queue in the configured administrative database.
type MongoStore struct {
	ops  *mongo.Collection
	dead *mongo.Collection
}

// NewMongoStore binds the queue and dead-letter collections.
func NewMongoStore(client *mongo.Client, dbName string, deadCollection string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		ops:  db.Collection(OpsCollection),
		dead: db.Collection(deadCollection),
	}
}

// EnsureIndexes creates the scheduling and lookup indexes. Idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.ops.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "nextAttemptAt", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "route.dbName", Value: 1}, {Key: "route.collection", Value: 1}}},
	})
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "creating fallback indexes, details: %v", err)
	}
	return nil
}

func (s *MongoStore) Enqueue(ctx context.Context, op Op) (bool, error) {
	res, err := s.ops.ReplaceOne(ctx, bson.M{"_id": op.RequestID}, op, options.Replace().SetUpsert(true))
	if err != nil {
		return false, chronos.Errorf(chronos.ErrStorage, "enqueueing op %s, details: %v", op.RequestID, err)
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) Due(ctx context.Context, now time.Time, limit int) ([]Op, error) {
	cur, err := s.ops.Find(ctx,
		bson.M{"nextAttemptAt": bson.M{"$lte": now}},
		options.Find().SetSort(bson.D{{Key: "nextAttemptAt", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "fetching due ops, details: %v", err)
	}
	var out []Op
	if err := cur.All(ctx, &out); err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "decoding due ops, details: %v", err)
	}
	return out, nil
}

func (s *MongoStore) Reschedule(ctx context.Context, requestID string, attempts int, nextAt time.Time, lastError string) error {
	_, err := s.ops.UpdateOne(ctx,
		bson.M{"_id": requestID},
		bson.M{"$set": bson.M{"attempts": attempts, "nextAttemptAt": nextAt, "lastError": lastError}})
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "rescheduling op %s, details: %v", requestID, err)
	}
	return nil
}

func (s *MongoStore) Remove(ctx context.Context, requestID string) error {
	if _, err := s.ops.DeleteOne(ctx, bson.M{"_id": requestID}); err != nil {
		return chronos.Errorf(chronos.ErrStorage, "removing op %s, details: %v", requestID, err)
	}
	return nil
}

func (s *MongoStore) MoveToDead(ctx context.Context, op Op, reason string, at time.Time) error {
	dead := DeadOp{Op: op, Reason: reason, DeadAt: at}
	if _, err := s.dead.InsertOne(ctx, dead); err != nil && !mongo.IsDuplicateKeyError(err) {
		return chronos.Errorf(chronos.ErrStorage, "dead-lettering op %s, details: %v", op.RequestID, err)
	}
	return s.Remove(ctx, op.RequestID)
}

func (s *MongoStore) Get(ctx context.Context, requestID string) (Op, error) {
	var op Op
	err := s.ops.FindOne(ctx, bson.M{"_id": requestID}).Decode(&op)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Op{}, chronos.Errorf(chronos.ErrNotFound, "op %s not queued", requestID)
	}
	if err != nil {
		return Op{}, chronos.Errorf(chronos.ErrStorage, "reading op %s, details: %v", requestID, err)
	}
	return op, nil
}

func (s *MongoStore) GetDead(ctx context.Context, requestID string) (DeadOp, error) {
	var op DeadOp
	err := s.dead.FindOne(ctx, bson.M{"_id": requestID}).Decode(&op)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return DeadOp{}, chronos.Errorf(chronos.ErrNotFound, "op %s not dead-lettered", requestID)
	}
	if err != nil {
		return DeadOp{}, chronos.Errorf(chronos.ErrStorage, "reading dead op %s, details: %v", requestID, err)
	}
	return op, nil
}
