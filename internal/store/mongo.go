package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const bulkInitBatch = 10000

// Mongo stores each pixel as a document keyed by its row-major ID.
type Mongo struct {
	client *mongo.Client
	pixels *mongo.Collection
	size   int
	now    func() time.Time
}

// OpenMongo connects to MongoDB, pings it and ensures the (x, y) unique index.
func OpenMongo(ctx context.Context, uri, database string, size int) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}

	pixels := client.Database(database).Collection("pixels")
	_, err = pixels.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "x", Value: 1}, {Key: "y", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("store: mongo index: %w", err)
	}

	return &Mongo{client: client, pixels: pixels, size: size, now: time.Now}, nil
}

func (m *Mongo) Get(ctx context.Context, x, y int) (Pixel, error) {
	var p Pixel
	err := m.pixels.FindOne(ctx, bson.M{"x": x, "y": y}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return Pixel{}, ErrNotFound
	}
	if err != nil {
		return Pixel{}, fmt.Errorf("store: get (%d,%d): %w", x, y, err)
	}
	return p, nil
}

// Set relies on FindOneAndUpdate so the increment happens server-side.
func (m *Mongo) Set(ctx context.Context, id int64, color string) (Pixel, error) {
	update := bson.M{
		"$set": bson.M{"color": color, "last_modified": m.now().UTC()},
		"$inc": bson.M{"modify_times": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p Pixel
	err := m.pixels.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return Pixel{}, ErrNotFound
	}
	if err != nil {
		return Pixel{}, fmt.Errorf("store: set %d: %w", id, err)
	}
	return p, nil
}

func (m *Mongo) Count(ctx context.Context) (int, error) {
	n, err := m.pixels.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return int(n), nil
}

// BulkInit inserts in unordered batches. A concurrent initializer racing on
// the same grid only produces duplicate-key errors, which are ignored.
func (m *Mongo) BulkInit(ctx context.Context, n int, color string) error {
	err := m.pixels.FindOne(ctx, bson.M{}).Err()
	if err == nil {
		return nil
	}
	if err != mongo.ErrNoDocuments {
		return fmt.Errorf("store: bulk init: %w", err)
	}

	now := m.now().UTC()
	batch := make([]interface{}, 0, bulkInitBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := m.pixels.InsertMany(ctx, batch, options.InsertMany().SetOrdered(false))
		batch = batch[:0]
		if err != nil && !isDuplicateOnly(err) {
			return fmt.Errorf("store: bulk init: %w", err)
		}
		return nil
	}

	for x := 1; x <= n; x++ {
		for y := 1; y <= n; y++ {
			batch = append(batch, Pixel{
				ID:           PixelID(n, x, y),
				X:            x,
				Y:            y,
				Color:        color,
				LastModified: now,
			})
			if len(batch) == bulkInitBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	m.size = n
	return nil
}

func (m *Mongo) Colors(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"color": 1})
	cursor, err := m.pixels.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("store: colors: %w", err)
	}
	defer cursor.Close(ctx)

	colors := make([]string, 0, m.size*m.size)
	for cursor.Next(ctx) {
		var doc struct {
			Color string `bson:"color"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: colors: %w", err)
		}
		colors = append(colors, doc.Color)
	}
	return colors, cursor.Err()
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func isDuplicateOnly(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}
