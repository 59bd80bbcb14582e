package counters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/hashing"
)

// Counter collections inside the routed metadata database.
const (
	totalCollection    = "cnt_total"
	scenarioCollection = "cnt_scenario"
	uniqueCollection   = "cnt_unique"
)

// MongoRepo persists counters in the routed database. Every increment is a
// single atomic upsert; concurrent writers never lose counts.
type MongoRepo struct {
	client *mongo.Client
}

// NewMongoRepo wraps the routed client.
func NewMongoRepo(client *mongo.Client) *MongoRepo {
	return &MongoRepo{client: client}
}

func (r *MongoRepo) col(scope Scope, name string) *mongo.Collection {
	return r.client.Database(scope.DBName).Collection(name)
}

func docID(scope Scope, parts ...string) string {
	id := scope.Collection
	if scope.Tenant != "" {
		id = scope.Tenant + "|" + id
	}
	for _, p := range parts {
		id += "|" + p
	}
	return id
}

// valueKey keeps unique-value document ids bounded; long values collapse to
// a stable hash.
func valueKey(value string) string {
	if len(value) <= 100 {
		return value
	}
	return fmt.Sprintf("h%016x", hashing.Hash64(value))
}

// propField names a property's slot in the scenario doc's unique tally map.
// Dotted paths would nest under $inc, so dots become colons.
func propField(prop string) string {
	return strings.ReplaceAll(prop, ".", ":")
}

func (r *MongoRepo) IncTotal(ctx context.Context, scope Scope, field string, at time.Time) error {
	_, err := r.col(scope, totalCollection).UpdateOne(ctx,
		bson.M{"_id": docID(scope)},
		bson.M{
			"$inc":         bson.M{field: 1},
			"$set":         bson.M{"lastAt": at},
			"$setOnInsert": bson.M{"collection": scope.Collection, "tenantId": scope.Tenant, "firstAt": at},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "incrementing %s total, details: %v", field, err)
	}
	return nil
}

func (r *MongoRepo) IncScenario(ctx context.Context, scope Scope, rule string, op chronos.OperationType, at time.Time) error {
	_, err := r.col(scope, scenarioCollection).UpdateOne(ctx,
		bson.M{"_id": docID(scope, rule)},
		bson.M{
			"$inc":         bson.M{"count": 1, "ops." + string(op): 1},
			"$set":         bson.M{"lastAt": at},
			"$setOnInsert": bson.M{"collection": scope.Collection, "tenantId": scope.Tenant, "rule": rule, "firstAt": at},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return chronos.Errorf(chronos.ErrStorage, "incrementing rule %q, details: %v", rule, err)
	}
	return nil
}

func (r *MongoRepo) AddUnique(ctx context.Context, scope Scope, rule string, prop string, value string, at time.Time) (bool, error) {
	res, err := r.col(scope, uniqueCollection).UpdateOne(ctx,
		bson.M{"_id": docID(scope, rule, prop, valueKey(value))},
		bson.M{
			"$setOnInsert": bson.M{"collection": scope.Collection, "tenantId": scope.Tenant, "rule": rule, "property": prop, "value": value, "firstSeen": at},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, chronos.Errorf(chronos.ErrStorage, "registering unique %s value for rule %q, details: %v", prop, rule, err)
	}
	if res.UpsertedCount == 0 {
		return false, nil
	}
	_, err = r.col(scope, scenarioCollection).UpdateOne(ctx,
		bson.M{"_id": docID(scope, rule)},
		bson.M{
			"$inc":         bson.M{"unique." + propField(prop): 1},
			"$set":         bson.M{"lastAt": at},
			"$setOnInsert": bson.M{"collection": scope.Collection, "tenantId": scope.Tenant, "rule": rule, "firstAt": at},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return true, chronos.Errorf(chronos.ErrStorage, "incrementing unique %s tally for rule %q, details: %v", prop, rule, err)
	}
	return true, nil
}

func (r *MongoRepo) Totals(ctx context.Context, scope Scope) (Totals, error) {
	var t Totals
	err := r.col(scope, totalCollection).FindOne(ctx, bson.M{"_id": docID(scope)}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Totals{}, nil
	}
	if err != nil {
		return Totals{}, chronos.Errorf(chronos.ErrStorage, "reading totals, details: %v", err)
	}
	return t, nil
}

type scenarioDoc struct {
	Count  int64            `bson:"count"`
	Unique map[string]int64 `bson:"unique"`
}

func (r *MongoRepo) scenario(ctx context.Context, scope Scope, rule string) (scenarioDoc, error) {
	var d scenarioDoc
	err := r.col(scope, scenarioCollection).FindOne(ctx, bson.M{"_id": docID(scope, rule)}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return scenarioDoc{}, nil
	}
	if err != nil {
		return scenarioDoc{}, chronos.Errorf(chronos.ErrStorage, "reading rule %q, details: %v", rule, err)
	}
	return d, nil
}

func (r *MongoRepo) ScenarioCount(ctx context.Context, scope Scope, rule string) (int64, error) {
	d, err := r.scenario(ctx, scope, rule)
	return d.Count, err
}

func (r *MongoRepo) UniqueCounts(ctx context.Context, scope Scope, rule string) (map[string]int64, error) {
	d, err := r.scenario(ctx, scope, rule)
	if err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for field, n := range d.Unique {
		counts[strings.ReplaceAll(field, ":", ".")] = n
	}
	return counts, nil
}
