package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDB 配額限制器
// 多實例部署時記憶體計數各自為政，上限會被乘上實例數，
// 這裡改用 FindOneAndUpdate 的 $inc：遞增與讀回在數據庫端是同一原子操作。

// windowDoc 單一窗口的計數文檔
type windowDoc struct {
	ID          string    `bson:"_id"`
	Scope       string    `bson:"scope"`
	WindowStart time.Time `bson:"window_start"`
	Count       int       `bson:"count"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

// MongoLimiter MongoDB 實作（跨實例共享計數）
type MongoLimiter struct {
	collection *mongo.Collection
	clock      clockwork.Clock
}

// NewMongoLimiter 創建 MongoDB 限制器
// clock 傳 nil 使用真實時鐘。
func NewMongoLimiter(db *mongo.Database, clock clockwork.Clock) *MongoLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MongoLimiter{
		collection: db.Collection("rate_limit_windows"),
		clock:      clock,
	}
}

// CreateIndexes 創建 TTL 索引，過期窗口由 MongoDB 自動清除
func (l *MongoLimiter) CreateIndexes(ctx context.Context) error {
	ttlIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "expires_at", Value: 1},
		},
		Options: options.Index().SetName("window_ttl_idx").SetExpireAfterSeconds(0),
	}

	_, err := l.collection.Indexes().CreateOne(ctx, ttlIndex)
	return err
}

// Check 原子地遞增窗口計數並比較上限
// 文檔 _id 由範圍鍵加窗口起點組成，upsert 保證同一窗口只有一份計數。
func (l *MongoLimiter) Check(ctx context.Context, scopeKey string, limit int, window time.Duration) error {
	now := l.clock.Now().UTC()
	windowStart := now.Truncate(window)
	windowEnd := windowStart.Add(window)

	filter := bson.M{
		"_id": fmt.Sprintf("%s:%d", scopeKey, windowStart.Unix()),
	}
	update := bson.M{
		"$inc": bson.M{"count": 1},
		"$setOnInsert": bson.M{
			"scope":        scopeKey,
			"window_start": windowStart,
			// 留一個窗口的餘裕再讓 TTL 清除，避免邊界上誤刪活躍窗口
			"expires_at": windowEnd.Add(window),
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc windowDoc
	if err := l.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return fmt.Errorf("ratelimit: update window counter: %w", err)
	}

	if doc.Count > limit {
		return &LimitExceededError{
			Scope:      scopeKey,
			Limit:      limit,
			RetryAfter: windowEnd.Sub(now),
		}
	}
	return nil
}
