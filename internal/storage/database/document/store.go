package document

import (
	"context"
	"errors"
	"time"

	"notevault/internal/security/envelope"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 文件的 MongoDB 存儲
// 只收密文信封與包裝後的文件密鑰，明文與未包裝的密鑰不會出現在這裡。

// ErrNotFound 文件不存在
var ErrNotFound = errors.New("document: not found")

// Document 文件數據模型
type Document struct {
	DocumentID string             `bson:"document_id" json:"document_id"`
	Title      string             `bson:"title" json:"title"`
	Envelope   *envelope.Envelope `bson:"envelope" json:"envelope"`
	WrappedKey []byte             `bson:"wrapped_key,omitempty" json:"wrapped_key,omitempty"`
	WrapNonce  []byte             `bson:"wrap_nonce,omitempty" json:"wrap_nonce,omitempty"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at" json:"updated_at"`
}

// DocumentStore 文件存儲實作
type DocumentStore struct {
	collection *mongo.Collection
}

// NewDocumentStore 創建文件存儲
func NewDocumentStore(db *mongo.Database) *DocumentStore {
	return &DocumentStore{
		collection: db.Collection("documents"),
	}
}

// Save 寫入或覆寫文件（每次保存替換整個信封）
func (s *DocumentStore) Save(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.UpdatedAt = now

	update := bson.M{
		"$set": bson.M{
			"title":       doc.Title,
			"envelope":    doc.Envelope,
			"wrapped_key": doc.WrappedKey,
			"wrap_nonce":  doc.WrapNonce,
			"updated_at":  now,
		},
		"$setOnInsert": bson.M{
			"document_id": doc.DocumentID,
			"created_at":  now,
		},
	}

	opts := options.UpdateOne().SetUpsert(true)
	_, err := s.collection.UpdateOne(ctx, bson.M{"document_id": doc.DocumentID}, update, opts)
	return err
}

// Get 根據 documentID 讀取文件
func (s *DocumentStore) Get(ctx context.Context, documentID string) (*Document, error) {
	var doc Document
	err := s.collection.FindOne(ctx, bson.M{"document_id": documentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete 刪除文件
func (s *DocumentStore) Delete(ctx context.Context, documentID string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"document_id": documentID})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateIndexes 創建索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	documents := db.Collection("documents")

	documentIDIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "document_id", Value: 1},
		},
		Options: options.Index().SetName("document_id_idx").SetUnique(true),
	}

	updatedAtIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "updated_at", Value: -1},
		},
		Options: options.Index().SetName("updated_at_idx"),
	}

	_, err := documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		documentIDIndex,
		updatedAtIndex,
	})
	return err
}
