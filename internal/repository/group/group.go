package group

import (
	"context"
	"errors"
	"time"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// GroupRepo stores a group and its secrets in one document, so a rotation replaces both atomically.
	GroupRepo struct {
		collection *mongo.Collection
	}
)

func NewGroupRepo(db *mongo.Database) *GroupRepo {
	return &GroupRepo{
		collection: db.Collection("groups"),
	}
}

func (r *GroupRepo) Create(ctx context.Context, g *model.Group) error {
	_, err := r.collection.InsertOne(ctx, g)
	if mongo.IsDuplicateKeyError(err) {
		return verrors.ErrConflict
	}
	return err
}

// Get returns nil, nil when the group does not exist.
func (r *GroupRepo) Get(ctx context.Context, id string) (*model.Group, error) {
	var g model.Group
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GroupRepo) ListFor(ctx context.Context, email string) ([]*model.Group, error) {
	cur, err := r.collection.Find(ctx, bson.M{"wrapped_keys.email": email},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	res := []*model.Group{}
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Update writes g if the stored version still equals g.Version and bumps the version.
func (r *GroupRepo) Update(ctx context.Context, g *model.Group) (*model.Group, error) {
	return r.swap(ctx, g.ID, g.Version, bson.M{
		"name":         g.Name,
		"wrapped_keys": g.WrappedKeys,
		"secrets":      g.Secrets,
	})
}

// Replace applies a rotation. Name, secrets and wrapped keys change in a single document write.
func (r *GroupRepo) Replace(ctx context.Context, id string, rot *model.GroupRotation) (*model.Group, error) {
	return r.swap(ctx, id, rot.PreviousVersion, bson.M{
		"name":         rot.Name,
		"wrapped_keys": rot.WrappedKeys,
		"secrets":      rot.Secrets,
	})
}

func (r *GroupRepo) swap(ctx context.Context, id string, version int, set bson.M) (*model.Group, error) {
	set["updated_at"] = time.Now().UTC()
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var g model.Group
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id, "version": version}, update, opts).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, verrors.ErrNotFound
		}
		return nil, verrors.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GroupRepo) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return verrors.ErrNotFound
	}
	return nil
}
