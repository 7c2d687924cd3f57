package sharetoken

import (
	"context"
	"errors"
	"time"

	"notevault/internal/share"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 分享令牌的 MongoDB 存儲
// 撤銷走單一條件更新，提交後的讀取立即可見；過期由 TTL 索引兜底，
// 查詢端仍然自行比對 expires_at，不依賴 TTL 清除的時效。

// TokenStore 令牌存儲實作
type TokenStore struct {
	collection *mongo.Collection
}

// NewTokenStore 創建令牌存儲
func NewTokenStore(db *mongo.Database) *TokenStore {
	return &TokenStore{
		collection: db.Collection("share_tokens"),
	}
}

// Insert 寫入新令牌
func (s *TokenStore) Insert(ctx context.Context, token *share.Token) error {
	_, err := s.collection.InsertOne(ctx, token)
	return err
}

// Get 根據 tokenID 讀取令牌
func (s *TokenStore) Get(ctx context.Context, tokenID string) (*share.Token, error) {
	var token share.Token
	err := s.collection.FindOne(ctx, bson.M{"token_id": tokenID}).Decode(&token)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// Revoke 標記撤銷（僅限擁有者，且只對未撤銷的令牌生效）
func (s *TokenStore) Revoke(ctx context.Context, tokenID, ownerID string) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"token_id": tokenID, "owner_id": ownerID, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// RevokeAllByDocument 撤銷某文件的所有未撤銷令牌
func (s *TokenStore) RevokeAllByDocument(ctx context.Context, documentID, ownerID string) (int64, error) {
	result, err := s.collection.UpdateMany(ctx,
		bson.M{"document_id": documentID, "owner_id": ownerID, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

// UpdateSnapshotRef 更新快照引用
func (s *TokenStore) UpdateSnapshotRef(ctx context.Context, tokenID, snapshotRef string, updatedAt time.Time) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"token_id": tokenID},
		bson.M{"$set": bson.M{"snapshot_ref": snapshotRef, "updated_at": updatedAt}},
	)
	return err
}

// CountActive 計算某文件當前有效的令牌數
func (s *TokenStore) CountActive(ctx context.Context, documentID string, now time.Time) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{
		"document_id": documentID,
		"revoked":     false,
		"expires_at":  bson.M{"$gt": now},
	})
}

// SnapshotRefsByDocument 列出某文件未撤銷令牌的快照引用
func (s *TokenStore) SnapshotRefsByDocument(ctx context.Context, documentID, ownerID string) ([]string, error) {
	cursor, err := s.collection.Find(ctx,
		bson.M{"document_id": documentID, "owner_id": ownerID, "revoked": false},
		options.Find().SetProjection(bson.M{"snapshot_ref": 1}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var refs []string
	for cursor.Next(ctx) {
		var doc struct {
			SnapshotRef string `bson:"snapshot_ref"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.SnapshotRef != "" {
			refs = append(refs, doc.SnapshotRef)
		}
	}
	return refs, cursor.Err()
}

// SnapshotStore 密文快照存儲實作
type SnapshotStore struct {
	collection *mongo.Collection
}

// NewSnapshotStore 創建快照存儲
func NewSnapshotStore(db *mongo.Database) *SnapshotStore {
	return &SnapshotStore{
		collection: db.Collection("share_snapshots"),
	}
}

// Put 寫入快照
func (s *SnapshotStore) Put(ctx context.Context, snapshot *share.Snapshot) error {
	_, err := s.collection.InsertOne(ctx, snapshot)
	return err
}

// Get 根據引用讀取快照
func (s *SnapshotStore) Get(ctx context.Context, ref string) (*share.Snapshot, error) {
	var snapshot share.Snapshot
	err := s.collection.FindOne(ctx, bson.M{"ref": ref}).Decode(&snapshot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Delete 刪除快照（冪等，不存在不是錯誤）
func (s *SnapshotStore) Delete(ctx context.Context, ref string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"ref": ref})
	return err
}

// CreateIndexes 創建索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	tokens := db.Collection("share_tokens")

	// 1. tokenID 唯一索引
	tokenIDIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "token_id", Value: 1},
		},
		Options: options.Index().SetName("token_id_idx").SetUnique(true),
	}

	// 2. TTL 索引：過期令牌由 MongoDB 自動清除
	expiryIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "expires_at", Value: 1},
		},
		Options: options.Index().SetName("token_ttl_idx").SetExpireAfterSeconds(0),
	}

	// 3. 文件 ID + 撤銷狀態複合索引（CountActive 與 RevokeAll 用）
	documentIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "document_id", Value: 1},
			{Key: "revoked", Value: 1},
			{Key: "expires_at", Value: -1},
		},
		Options: options.Index().SetName("document_state_idx"),
	}

	// 4. 擁有者索引
	ownerIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "owner_id", Value: 1},
		},
		Options: options.Index().SetName("owner_idx"),
	}

	tokenIndexes := []mongo.IndexModel{
		tokenIDIndex,
		expiryIndex,
		documentIndex,
		ownerIndex,
	}

	if _, err := tokens.Indexes().CreateMany(ctx, tokenIndexes); err != nil {
		return err
	}

	snapshots := db.Collection("share_snapshots")

	// 快照引用唯一索引
	refIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "ref", Value: 1},
		},
		Options: options.Index().SetName("ref_idx").SetUnique(true),
	}

	// TTL 索引：撤銷路徑刪漏的快照隨令牌過期時間清除
	snapshotExpiryIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "expires_at", Value: 1},
		},
		Options: options.Index().SetName("snapshot_ttl_idx").SetExpireAfterSeconds(0),
	}

	_, err := snapshots.Indexes().CreateMany(ctx, []mongo.IndexModel{refIndex, snapshotExpiryIndex})
	return err
}
