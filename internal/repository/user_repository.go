package repository

import (
	"context"

	"github.com/honeynil/LendingServiceTochka/internal/models"
)

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

type ListingRepository interface {
	GetByID(ctx context.Context, id string) (*models.Listing, error)
}
