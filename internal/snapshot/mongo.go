package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"trafficwatch-dashboard/internal/data"
)

// MongoSource reads the backend's camera collection directly.
type MongoSource struct {
	client     *mongo.Client
	collection *mongo.Collection
	activeOnly bool
}

// cameraDoc mirrors a stored camera. The id may be an ObjectID or a plain string.
type cameraDoc struct {
	ID         bson.RawValue     `bson:"_id"`
	Label      string            `bson:"label"`
	Location   string            `bson:"location"`
	Status     string            `bson:"status"`
	Resolution string            `bson:"resolution"`
	Records    []data.WireRecord `bson:"records"`
}

func (d cameraDoc) wire() data.WireCamera {
	return data.WireCamera{
		ID:         idString(d.ID),
		Label:      d.Label,
		Location:   d.Location,
		Status:     d.Status,
		Resolution: d.Resolution,
		Records:    d.Records,
	}
}

func idString(v bson.RawValue) string {
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex()
	}
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	return ""
}

// NewMongoSource connects to uri and checks the server is reachable.
func NewMongoSource(uri, database, collection string, activeOnly bool) (*MongoSource, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoSource{
		client:     client,
		collection: client.Database(database).Collection(collection),
		activeOnly: activeOnly,
	}, nil
}

func (m *MongoSource) Cameras(ctx context.Context, cameraID string) ([]data.WireCamera, error) {
	cur, err := m.collection.Find(ctx, cameraFilter(cameraID, m.activeOnly))
	if err != nil {
		return nil, fmt.Errorf("querying cameras: %w", err)
	}
	var docs []cameraDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding cameras: %w", err)
	}
	if cameraID != "" && len(docs) == 0 {
		return nil, fmt.Errorf("camera %q not found", cameraID)
	}

	out := make([]data.WireCamera, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.wire())
	}
	return out, nil
}

func cameraFilter(cameraID string, activeOnly bool) bson.D {
	if cameraID != "" {
		if oid, err := bson.ObjectIDFromHex(cameraID); err == nil {
			return bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{oid, cameraID}}}}}
		}
		return bson.D{{Key: "_id", Value: cameraID}}
	}
	if activeOnly {
		return bson.D{{Key: "status", Value: "Active"}}
	}
	return bson.D{}
}

func (m *MongoSource) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
