// Package mongodb implements vectorstore.Store on MongoDB Atlas Vector Search.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gokernel/internal/vectorstore"
)

const (
	defaultIndexName = "vector_index"
	embeddingPath    = "embedding"
	candidateFactor  = 10
)

type document struct {
	Key       string            `bson:"_id"`
	Text      string            `bson:"text"`
	Embedding []float32         `bson:"embedding,truncate"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	Score     float64           `bson:"score,omitempty"`
}

// Store keeps one MongoDB collection per vector collection. Each collection
// carries an Atlas vectorSearch index named indexName over the embedding field.
type Store struct {
	db        *mongo.Database
	indexName string
}

// Connect dials uri and returns a store on database. Close releases the client.
func Connect(ctx context.Context, uri, database, indexName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return New(client.Database(database), indexName), nil
}

func New(db *mongo.Database, indexName string) *Store {
	if indexName == "" {
		indexName = defaultIndexName
	}
	return &Store{db: db, indexName: indexName}
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	if err := vectorstore.ValidateCollection(name); err != nil {
		return err
	}
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	if len(names) > 0 {
		return nil
	}
	if err := s.db.CreateCollection(ctx, name); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	if dimensions <= 0 {
		return nil
	}

	model := mongo.SearchIndexModel{
		Definition: bson.D{{Key: "fields", Value: bson.A{
			bson.D{
				{Key: "type", Value: "vector"},
				{Key: "path", Value: embeddingPath},
				{Key: "numDimensions", Value: dimensions},
				{Key: "similarity", Value: "cosine"},
			},
		}}},
		Options: options.SearchIndexes().SetName(s.indexName).SetType("vectorSearch"),
	}
	if _, err := s.db.Collection(name).SearchIndexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("create vector index on %s: %w", name, err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		if r.Key == "" {
			return errors.New("record key must not be empty")
		}
		doc := document{Key: r.Key, Text: r.Text, Embedding: r.Vector, Metadata: r.Metadata}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": r.Key}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if _, err := s.db.Collection(collection).BulkWrite(ctx, writes); err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string) (vectorstore.Record, error) {
	var doc document
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return vectorstore.Record{}, fmt.Errorf("%w: %s", vectorstore.ErrRecordNotFound, key)
	}
	if err != nil {
		return vectorstore.Record{}, fmt.Errorf("get %s from %s: %w", key, collection, err)
	}
	return doc.record(), nil
}

func (s *Store) Delete(ctx context.Context, collection string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.db.Collection(collection).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}}); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, collection string, q vectorstore.Query) ([]vectorstore.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	cursor, err := s.db.Collection(collection).Aggregate(ctx, s.pipeline(q))
	if err != nil {
		return nil, fmt.Errorf("vector search on %s: %w", collection, err)
	}
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode vector search results: %w", err)
	}

	matches := make([]vectorstore.Match, 0, len(docs))
	for _, d := range docs {
		matches = append(matches, vectorstore.Match{Record: d.record(), Score: d.Score})
	}
	return matches, nil
}

// pipeline builds the $vectorSearch aggregation. Metadata filters run as a
// post-filter so they need no filter fields in the index definition.
func (s *Store) pipeline(q vectorstore.Query) mongo.Pipeline {
	candidates := q.Top * candidateFactor
	limit := q.Top
	if len(q.Filter) > 0 {
		limit = candidates
	}

	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: s.indexName},
			{Key: "path", Value: embeddingPath},
			{Key: "queryVector", Value: q.Vector},
			{Key: "numCandidates", Value: candidates},
			{Key: "limit", Value: limit},
		}}},
		{{Key: "$set", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}}}}},
	}

	match := bson.D{}
	for k, v := range q.Filter {
		match = append(match, bson.E{Key: "metadata." + k, Value: v})
	}
	if q.MinScore != 0 {
		match = append(match, bson.E{Key: "score", Value: bson.D{{Key: "$gte", Value: q.MinScore}}})
	}
	if len(match) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: match}})
	}
	if len(q.Filter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: q.Top}})
	}
	return pipeline
}

func (d document) record() vectorstore.Record {
	return vectorstore.Record{Key: d.Key, Vector: d.Embedding, Text: d.Text, Metadata: d.Metadata}
}
