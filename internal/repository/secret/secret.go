package secret

import (
	"context"
	"errors"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	SecretRepo struct {
		collection *mongo.Collection
	}
)

func NewSecretRepo(db *mongo.Database) *SecretRepo {
	return &SecretRepo{
		collection: db.Collection("secrets"),
	}
}

func (r *SecretRepo) Create(ctx context.Context, s *model.Secret) error {
	_, err := r.collection.InsertOne(ctx, s)
	if mongo.IsDuplicateKeyError(err) {
		return verrors.ErrConflict
	}
	return err
}

// Get returns nil, nil when the secret does not exist.
func (r *SecretRepo) Get(ctx context.Context, id string) (*model.Secret, error) {
	var s model.Secret
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListFor returns the secrets email owns or holds a wrapped key for.
func (r *SecretRepo) ListFor(ctx context.Context, email string) ([]*model.Secret, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"owner": email},
			bson.M{"envelope.recipient_keys.email": email},
		},
	}
	cur, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}

	res := []*model.Secret{}
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *SecretRepo) Update(ctx context.Context, s *model.Secret) error {
	res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": s.ID}, s)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return verrors.ErrNotFound
	}
	return nil
}

func (r *SecretRepo) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return verrors.ErrNotFound
	}
	return nil
}
