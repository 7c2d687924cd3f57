package database

import (
	"context"

	"notevault/internal/storage/database/document"
	"notevault/internal/storage/database/sharetoken"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
type Repositories struct {
	Tokens    *sharetoken.TokenStore
	Snapshots *sharetoken.SnapshotStore
	Documents *document.DocumentStore
}

// NewRepositories 創建倉儲集合.
func NewRepositories() *Repositories {
	db := mongoDB
	if db == nil {
		return nil
	}

	// 創建索引；失敗不中斷服務啟動，查詢仍然正確只是變慢
	ctx := context.Background()
	_ = sharetoken.CreateIndexes(ctx, db)
	_ = document.CreateIndexes(ctx, db)

	return &Repositories{
		Tokens:    sharetoken.NewTokenStore(db),
		Snapshots: sharetoken.NewSnapshotStore(db),
		Documents: document.NewDocumentStore(db),
	}
}

// 全局變數，用於存儲 MongoDB 連接
var mongoDB *mongo.Database

// SetMongoDB 設置 MongoDB 連接.
func SetMongoDB(db *mongo.Database) {
	mongoDB = db
}
