package user

import (
	"github.com/google/wire"
	"gorm.io/gorm"
)

func ProvideRepository(db *gorm.DB) *Repository {
	return NewRepository(db)
}

func ProvideJSONHandler(users *Repository) *JSONHandler {
	return NewJSONHandler(users)
}

var Set = wire.NewSet(ProvideRepository, ProvideJSONHandler)
