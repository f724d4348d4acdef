// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package store

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAdapter implements Adapter against a real *mongo.Database.
type MongoAdapter struct {
	DB *mongo.Database
}

// NewMongoAdapter wraps db as a store.Adapter.
func NewMongoAdapter(db *mongo.Database) *MongoAdapter {
	return &MongoAdapter{DB: db}
}

func (m *MongoAdapter) EnsureUniqueIndex(ctx context.Context, collection string, fields []string) error {
	keys := bson.D{}
	for _, f := range fields {
		keys = append(keys, bson.E{Key: f, Value: 1})
	}
	_, err := m.DB.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *MongoAdapter) InsertUnique(ctx context.Context, collection string, doc interface{}) error {
	_, err := m.DB.Collection(collection).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	return err
}

func (m *MongoAdapter) FindOneAndUpdate(ctx context.Context, collection string, filter, update, out interface{}) error {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.DB.Collection(collection).FindOneAndUpdate(ctx, filter, update, opts).Decode(out)
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	return err
}

func (m *MongoAdapter) ReplaceOne(ctx context.Context, collection string, filter, doc interface{}) error {
	res, err := m.DB.Collection(collection).ReplaceOne(ctx, filter, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool        { return c.cur.Next(ctx) }
func (c *mongoCursor) Decode(v interface{}) error            { return c.cur.Decode(v) }
func (c *mongoCursor) Err() error                            { return c.cur.Err() }
func (c *mongoCursor) Close(ctx context.Context) error       { return c.cur.Close(ctx) }

func (m *MongoAdapter) FindSorted(ctx context.Context, collection string, filter interface{}, field string, asc bool) (Cursor, error) {
	dir := 1
	if !asc {
		dir = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: field, Value: dir}})
	cur, err := m.DB.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cur: cur}, nil
}

func (m *MongoAdapter) CollStats(ctx context.Context, collection string) (Stats, error) {
	var res bson.M
	err := m.DB.RunCommand(ctx, bson.D{{Key: "collStats", Value: collection}}).Decode(&res)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{}
	if c, ok := res["count"]; ok {
		stats.Count = toInt64(c)
	}
	if a, ok := res["avgObjSize"]; ok {
		stats.AvgObjSize = toInt64(a)
	}
	return stats, nil
}

func (m *MongoAdapter) SplitVector(ctx context.Context, collection, field string, maxChunkSizeBytes int64) ([]interface{}, error) {
	var res bson.M
	ns := m.DB.Name() + "." + collection
	cmd := bson.D{
		{Key: "splitVector", Value: ns},
		{Key: "keyPattern", Value: bson.D{{Key: field, Value: 1}}},
		{Key: "maxChunkSizeBytes", Value: maxChunkSizeBytes},
	}
	err := m.DB.RunCommand(ctx, cmd).Decode(&res)
	if err != nil {
		if isUnsupportedCommand(err) {
			return nil, ErrUnsupported
		}
		return nil, err
	}
	rawKeys, _ := res["splitKeys"].(bson.A)
	keys := make([]interface{}, 0, len(rawKeys))
	for _, k := range rawKeys {
		if doc, ok := k.(bson.M); ok {
			keys = append(keys, doc[field])
		} else if doc, ok := k.(bson.D); ok {
			for _, e := range doc {
				if e.Key == field {
					keys = append(keys, e.Value)
				}
			}
		}
	}
	return keys, nil
}

func isUnsupportedCommand(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such command") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "unsupported") ||
		strings.Contains(msg, "splitvector")
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
