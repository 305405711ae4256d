package account

import (
	"context"
	"errors"
	"fmt"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	AccountRepo struct {
		collection *mongo.Collection
	}
)

func NewAccountRepo(db *mongo.Database) *AccountRepo {
	return &AccountRepo{
		collection: db.Collection("accounts"),
	}
}

// GetByEmail returns nil, nil when no account exists.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	filter := bson.M{
		"_id": email,
	}

	var acc model.Account
	err := r.collection.FindOne(ctx, filter).Decode(&acc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &acc, nil
}

func (r *AccountRepo) Create(ctx context.Context, acc *model.Account) error {
	_, err := r.collection.InsertOne(ctx, acc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("account %s: %w", acc.Email, verrors.ErrConflict)
	}
	return err
}
