package storage

import "time"

// Base carries the fields shared by every persisted entity. Models embed it
// to satisfy the Entity interface.
//
// The id is kept out of the bson document body: the document repository maps
// it to the store's internal _id on the way in and out.
type Base struct {
	ID        string    `json:"id" db:"id" bson:"-"`
	CreatedAt time.Time `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// GetID returns the entity id.
func (b *Base) GetID() string { return b.ID }

// SetID sets the entity id.
func (b *Base) SetID(id string) { b.ID = id }

// GetCreatedAt returns the creation timestamp.
func (b *Base) GetCreatedAt() time.Time { return b.CreatedAt }

// SetCreatedAt sets the creation timestamp.
func (b *Base) SetCreatedAt(t time.Time) { b.CreatedAt = t }

// GetUpdatedAt returns the last-write timestamp.
func (b *Base) GetUpdatedAt() time.Time { return b.UpdatedAt }

// SetUpdatedAt sets the last-write timestamp.
func (b *Base) SetUpdatedAt(t time.Time) { b.UpdatedAt = t }
