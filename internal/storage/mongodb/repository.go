// Package mongodb implements the storage port on a MongoDB collection.
// Entity ids map to the collection's _id: hex strings round-trip through
// ObjectIDs, anything else is stored verbatim so externally assigned ids
// survive dual writes.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// Connect opens and pings a MongoDB client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storage.ServiceWrap(err, "connect mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, storage.ServiceWrap(err, "ping mongodb")
	}
	return client, nil
}

// Repository implements storage.Repository on one collection.
type Repository[T storage.Entity] struct {
	coll *mongo.Collection
	log  *logger.Logger
}

var _ storage.Repository[storage.Entity] = (*Repository[storage.Entity])(nil)

// New creates a repository over database/collection.
func New[T storage.Entity](client *mongo.Client, database, collection string, log *logger.Logger) *Repository[T] {
	return &Repository[T]{coll: client.Database(database).Collection(collection), log: log}
}

// idValue converts an entity id to its _id representation.
func idValue(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// idString converts an _id back to the entity id.
func idString(raw any) string {
	switch v := raw.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// fieldName maps a port field reference to its document path.
func fieldName(field string) string {
	if field == "id" {
		return "_id"
	}
	return field
}

func fieldFilterValue(field string, value any) any {
	if field == "id" {
		if s, ok := value.(string); ok {
			return idValue(s)
		}
	}
	return value
}

// toDocument renders the entity as a bson document with _id set.
func toDocument[T storage.Entity](item T) (bson.M, error) {
	data, err := bson.Marshal(item)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc["_id"] = idValue(item.GetID())
	return doc, nil
}

// fromDocument decodes a raw document into the entity, restoring the id.
func fromDocument[T storage.Entity](raw bson.Raw, item T) error {
	if err := bson.Unmarshal(raw, item); err != nil {
		return err
	}
	if idVal, err := raw.LookupErr("_id"); err == nil {
		var rawID any
		if err := idVal.Unmarshal(&rawID); err == nil {
			item.SetID(idString(rawID))
		}
	}
	return nil
}

func (r *Repository[T]) decodeOne(res *mongo.SingleResult) (T, error) {
	var zero T
	raw, err := res.Raw()
	if err != nil {
		return zero, err
	}
	item := newEntity[T]()
	if err := fromDocument(raw, item); err != nil {
		return zero, storage.ServiceWrap(err, "decode document")
	}
	return item, nil
}

func (r *Repository[T]) decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]T, error) {
	defer cursor.Close(ctx)
	items := []T{}
	for cursor.Next(ctx) {
		item := newEntity[T]()
		if err := fromDocument(cursor.Current, item); err != nil {
			return nil, storage.ServiceWrap(err, "decode document")
		}
		items = append(items, item)
	}
	if err := cursor.Err(); err != nil {
		return nil, storage.ServiceWrap(err, "iterate cursor")
	}
	return items, nil
}

// newEntity allocates a fresh value for the pointer entity type T.
func newEntity[T storage.Entity]() T {
	var zero T
	elem := reflect.TypeOf(zero).Elem()
	return reflect.New(elem).Interface().(T)
}

// translateError maps driver errors onto the shared error kinds.
func (r *Repository[T]) translateError(err error, op string) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return storage.Duplicatef("%s %s", r.coll.Name(), op)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.NotFoundf("%s %s", r.coll.Name(), op)
	}
	if errors.Is(err, storage.ErrService) {
		return err
	}
	return storage.ServiceWrap(err, r.coll.Name()+" "+op)
}

// Create inserts item, assigning an ObjectID-derived id when none is set.
func (r *Repository[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	if item.GetID() == "" {
		item.SetID(primitive.NewObjectID().Hex())
	}
	now := time.Now().UTC()
	item.SetCreatedAt(now)
	item.SetUpdatedAt(now)

	doc, err := toDocument(item)
	if err != nil {
		return zero, storage.ServiceWrap(err, "encode document")
	}
	err = withRetry(ctx, "insert", func() error {
		_, err := r.coll.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		return zero, r.translateError(err, "insert")
	}
	return item, nil
}

// BatchCreate inserts all items; ordered, so the first failure aborts the
// remainder.
func (r *Repository[T]) BatchCreate(ctx context.Context, items []T) ([]T, error) {
	docs := make([]any, 0, len(items))
	now := time.Now().UTC()
	for _, item := range items {
		if item.GetID() == "" {
			item.SetID(primitive.NewObjectID().Hex())
		}
		item.SetCreatedAt(now)
		item.SetUpdatedAt(now)
		doc, err := toDocument(item)
		if err != nil {
			return nil, storage.ServiceWrap(err, "encode document")
		}
		docs = append(docs, doc)
	}
	err := withRetry(ctx, "insert many", func() error {
		_, err := r.coll.InsertMany(ctx, docs)
		return err
	})
	if err != nil {
		return nil, r.translateError(err, "insert many")
	}
	return items, nil
}

// Get returns the entity matching the selector (exactly one of id, name).
func (r *Repository[T]) Get(ctx context.Context, sel storage.Selector) (T, error) {
	var zero T
	if err := storage.ValidateSelector(sel); err != nil {
		return zero, err
	}
	filter := bson.M{"_id": idValue(sel.ID)}
	if sel.Name != "" {
		filter = bson.M{"name": sel.Name}
	}
	var item T
	err := withRetry(ctx, "find one", func() error {
		var err error
		item, err = r.decodeOne(r.coll.FindOne(ctx, filter))
		return err
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, storage.NotFoundf("%s %v", r.coll.Name(), filter)
	}
	if err != nil {
		return zero, r.translateError(err, "find one")
	}
	return item, nil
}

// GetByField returns the first match ordered by (created_at, _id), or the
// zero value without error when nothing matches.
func (r *Repository[T]) GetByField(ctx context.Context, field string, value any) (T, error) {
	var zero T
	filter := bson.M{fieldName(field): fieldFilterValue(field, value)}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	var item T
	err := withRetry(ctx, "find one", func() error {
		var err error
		item, err = r.decodeOne(r.coll.FindOne(ctx, filter, opts))
		return err
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, nil
	}
	if err != nil {
		return zero, r.translateError(err, "find one")
	}
	return item, nil
}

// buildFilter combines a base predicate with the filter algebra:
// inclusionary filters OR'd, exclusionary filters OR'd under $nor, both
// groups AND'd with the base.
func buildFilter(base bson.M, filters []storage.Filter) bson.M {
	var include []bson.M
	var exclude []bson.M
	for _, f := range filters {
		fields := storage.FlattenFilters(f.Fields)
		if len(fields) == 0 {
			continue
		}
		clause := bson.M{}
		for path, value := range fields {
			clause[fieldName(path)] = fieldFilterValue(path, value)
		}
		if f.Exclude {
			exclude = append(exclude, clause)
		} else {
			include = append(include, clause)
		}
	}
	out := bson.M{}
	for k, v := range base {
		out[k] = v
	}
	if len(include) == 1 {
		for k, v := range include[0] {
			out[k] = v
		}
	} else if len(include) > 1 {
		out["$or"] = include
	}
	if len(exclude) > 0 {
		out["$nor"] = exclude
	}
	return out
}

// FindByField returns matches with offset pagination.
func (r *Repository[T]) FindByField(ctx context.Context, field string, value any, opts storage.FindOptions) ([]T, error) {
	filter := buildFilter(bson.M{fieldName(field): fieldFilterValue(field, value)}, opts.Filters)

	sortField := "created_at"
	if opts.SortBy != "" {
		sortField = fieldName(opts.SortBy)
	}
	findOpts := options.Find().SetSort(bson.D{{Key: sortField, Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
		if opts.PageNumber > 1 {
			findOpts.SetSkip(int64((opts.PageNumber - 1) * opts.Limit))
		}
	}
	return r.find(ctx, filter, findOpts)
}

// FindByFieldWithCursor returns matches around a cursor document, newest
// first (created_at DESC, _id ASC). An unresolvable cursor id yields the
// unbounded page.
func (r *Repository[T]) FindByFieldWithCursor(ctx context.Context, field string, value any, opts storage.CursorOptions) ([]T, error) {
	if opts.AfterID != "" && opts.BeforeID != "" {
		return nil, storage.Clientf("at most one of after_id and before_id may be set")
	}
	filter := buildFilter(bson.M{fieldName(field): fieldFilterValue(field, value)}, opts.Filters)

	if cursorID := opts.AfterID + opts.BeforeID; cursorID != "" {
		createdAt, ok, err := r.cursorCreatedAt(ctx, cursorID)
		if err != nil {
			return nil, err
		}
		if ok {
			oid := idValue(cursorID)
			var bound bson.A
			if opts.AfterID != "" {
				bound = bson.A{
					bson.M{"created_at": bson.M{"$gt": createdAt}},
					bson.M{"created_at": createdAt, "_id": bson.M{"$lt": oid}},
				}
			} else {
				bound = bson.A{
					bson.M{"created_at": bson.M{"$lt": createdAt}},
					bson.M{"created_at": createdAt, "_id": bson.M{"$gt": oid}},
				}
			}
			filter = bson.M{"$and": bson.A{filter, bson.M{"$or": bound}}}
		}
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	return r.find(ctx, filter, findOpts)
}

func (r *Repository[T]) cursorCreatedAt(ctx context.Context, id string) (time.Time, bool, error) {
	var doc struct {
		CreatedAt time.Time `bson:"created_at"`
	}
	err := withRetry(ctx, "resolve cursor", func() error {
		return r.coll.FindOne(ctx, bson.M{"_id": idValue(id)},
			options.FindOne().SetProjection(bson.M{"created_at": 1})).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, r.translateError(err, "resolve cursor")
	}
	return doc.CreatedAt, true, nil
}

// List returns entities matching the flattened filter map; dotted paths
// address nested document fields natively.
func (r *Repository[T]) List(ctx context.Context, opts storage.ListOptions) ([]T, error) {
	filter := bson.M{}
	for path, value := range storage.FlattenFilters(opts.Filters) {
		filter[fieldName(path)] = fieldFilterValue(path, value)
	}

	direction := 1
	if strings.EqualFold(opts.OrderDirection, "desc") {
		direction = -1
	}
	sortField := "created_at"
	if opts.OrderBy != "" {
		sortField = fieldName(opts.OrderBy)
	}
	findOpts := options.Find().SetSort(bson.D{{Key: sortField, Value: direction}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
		if opts.PageNumber > 1 {
			findOpts.SetSkip(int64((opts.PageNumber - 1) * opts.Limit))
		}
	}
	return r.find(ctx, filter, findOpts)
}

func (r *Repository[T]) find(ctx context.Context, filter bson.M, findOpts *options.FindOptions) ([]T, error) {
	var items []T
	err := withRetry(ctx, "find", func() error {
		cursor, err := r.coll.Find(ctx, filter, findOpts)
		if err != nil {
			return err
		}
		items, err = r.decodeAll(ctx, cursor)
		return err
	})
	if err != nil {
		return nil, r.translateError(err, "find")
	}
	return items, nil
}

// Update replaces the document body, preserving created_at and refreshing
// updated_at.
func (r *Repository[T]) Update(ctx context.Context, item T) (T, error) {
	var zero T
	item.SetUpdatedAt(time.Now().UTC())

	doc, err := toDocument(item)
	if err != nil {
		return zero, storage.ServiceWrap(err, "encode document")
	}
	delete(doc, "_id")
	delete(doc, "created_at") // immutable after insert

	var result *mongo.UpdateResult
	err = withRetry(ctx, "update", func() error {
		var err error
		result, err = r.coll.UpdateOne(ctx, bson.M{"_id": idValue(item.GetID())}, bson.M{"$set": doc})
		return err
	})
	if err != nil {
		return zero, r.translateError(err, "update")
	}
	if result.MatchedCount == 0 {
		return zero, storage.NotFoundf("%s id %s", r.coll.Name(), item.GetID())
	}
	return r.Get(ctx, storage.Selector{ID: item.GetID()})
}

// BatchUpdate updates items one by one, failing on the first error.
func (r *Repository[T]) BatchUpdate(ctx context.Context, items []T) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		updated, err := r.Update(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// Delete removes the document by id.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	var result *mongo.DeleteResult
	err := withRetry(ctx, "delete", func() error {
		var err error
		result, err = r.coll.DeleteOne(ctx, bson.M{"_id": idValue(id)})
		return err
	})
	if err != nil {
		return r.translateError(err, "delete")
	}
	if result.DeletedCount == 0 {
		return storage.NotFoundf("%s id %s", r.coll.Name(), id)
	}
	return nil
}

// BatchDelete removes each id, failing on the first missing document.
func (r *Repository[T]) BatchDelete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByField removes all documents whose field equals value and returns
// the count.
func (r *Repository[T]) DeleteByField(ctx context.Context, field string, value any) (int64, error) {
	var result *mongo.DeleteResult
	err := withRetry(ctx, "delete many", func() error {
		var err error
		result, err = r.coll.DeleteMany(ctx, bson.M{fieldName(field): fieldFilterValue(field, value)})
		return err
	})
	if err != nil {
		return 0, r.translateError(err, "delete many")
	}
	return result.DeletedCount, nil
}
