package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codecollab/internal/models"
)

type MongoClient struct{ raw *mongo.Client }

func NewMongoClient(ctx context.Context, uri string) (*MongoClient, error) {
	if uri == "" {
		return nil, errors.New("MONGO_URI is empty")
	}
	c, err := mongo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return &MongoClient{raw: c}, nil
}

func (c *MongoClient) Collection(db, name string) *mongo.Collection {
	if db == "" {
		db = "codecollab"
	}
	if name == "" {
		name = "rooms"
	}
	return c.raw.Database(db).Collection(name)
}

func (c *MongoClient) Disconnect(ctx context.Context) error { return c.raw.Disconnect(ctx) }

type roomDoc struct {
	Name       string               `bson:"name"`
	Language   models.Language      `bson:"lang"`
	Content    string               `bson:"content"`
	AccessList []models.AccessEntry `bson:"accessList"`
	UpdatedAt  time.Time            `bson:"updatedAt"`
}

// MongoRepository keeps one document per room.
type MongoRepository struct{ col *mongo.Collection }

func NewMongoRepository(col *mongo.Collection) *MongoRepository {
	return &MongoRepository{col: col}
}

// roomKey accepts both ObjectID hex ids and plain string ids.
func roomKey(id string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func (r *MongoRepository) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var doc roomDoc
	err := r.col.FindOne(ctx, bson.M{"_id": roomKey(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return &models.Room{
		ID:         id,
		Name:       doc.Name,
		Language:   doc.Language,
		Content:    doc.Content,
		AccessList: doc.AccessList,
	}, nil
}

func (r *MongoRepository) SaveSnapshot(ctx context.Context, id, content string) error {
	return r.set(ctx, id, bson.M{"content": content})
}

func (r *MongoRepository) UpdateRoom(ctx context.Context, id string, patch models.RoomPatch) error {
	fields := bson.M{}
	if patch.Content != nil {
		fields["content"] = *patch.Content
	}
	if patch.Language != nil {
		fields["lang"] = *patch.Language
	}
	if patch.AccessList != nil {
		fields["accessList"] = patch.AccessList
	}
	if len(fields) == 0 {
		return nil
	}
	return r.set(ctx, id, fields)
}

func (r *MongoRepository) set(ctx context.Context, id string, fields bson.M) error {
	fields["updatedAt"] = time.Now().UTC()
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": roomKey(id)}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("update room %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRoom inserts a room; an empty ID gets a fresh ObjectID.
func (r *MongoRepository) CreateRoom(ctx context.Context, room *models.Room) error {
	var key interface{} = roomKey(room.ID)
	if room.ID == "" {
		oid := primitive.NewObjectID()
		key, room.ID = oid, oid.Hex()
	}
	doc := bson.M{
		"_id":        key,
		"name":       room.Name,
		"lang":       room.Language,
		"content":    room.Content,
		"accessList": room.AccessList,
		"updatedAt":  time.Now().UTC(),
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}
