package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoArchive is an Archive backed by one MongoDB collection.
type MongoArchive struct {
	collection *mongo.Collection
}

var _ Archive = (*MongoArchive)(nil)

// NewMongoArchive uses the "messages" collection of db.
func NewMongoArchive(db *mongo.Database) *MongoArchive {
	return &MongoArchive{
		collection: db.Collection("messages"),
	}
}

// DialMongo connects to uri, pings the server and returns an archive on the
// named database.
func DialMongo(ctx context.Context, uri, database string) (*MongoArchive, *mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	archive := NewMongoArchive(client.Database(database))
	_, err = archive.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "peer", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DialMongo",
			"error":    err.Error(),
		}).Warn("Failed to create archive index")
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialMongo",
		"database": database,
	}).Info("Connected to mongo")
	return archive, client, nil
}

func (r *MongoArchive) Save(ctx context.Context, rec Record) error {
	filter := bson.M{"_id": rec.ID}
	_, err := r.collection.ReplaceOne(ctx, filter, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive save %s: %w", rec.ID, err)
	}
	return nil
}

func (r *MongoArchive) MarkAcked(ctx context.Context, id string) error {
	filter := bson.M{"$or": bson.A{bson.M{"_id": id}, bson.M{"message_id": id}}}
	update := bson.M{"$set": bson.M{"acked": true}}
	if _, err := r.collection.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("archive ack %s: %w", id, err)
	}
	return nil
}

func (r *MongoArchive) List(ctx context.Context, peer string, limit int) ([]Record, error) {
	filter := bson.M{
		"peer": peer,
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("archive list %s: %w", peer, err)
	}
	defer cursor.Close(ctx)

	var out []Record
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("archive decode %s: %w", peer, err)
	}

	// newest-first query keeps the limit on the most recent records
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
