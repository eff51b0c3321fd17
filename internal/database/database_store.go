package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// MongoStore 基于 MongoDB 的凭据存储
//
// 所有查询都使用 bson 文档作为参数，客户端提供的字符串不会拼接进查询语句。
type MongoStore struct {
	client           *mongo.Client
	users            *mongo.Collection
	logins           *mongo.Collection
	activities       *mongo.Collection
	operationTimeout time.Duration
	bcryptCost       int
	passwordCache    *expirable.LRU[string, string] // username -> 密码哈希
}

var _ CredentialStore = (*MongoStore)(nil)

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ms *MongoStore) LookupPassword(ctx context.Context, username string) (string, bool, error) {
	if username == "" {
		return "", false, ErrUsernameEmpty
	}
	if hash, ok := ms.passwordCache.Get(username); ok {
		return hash, true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	var user User
	startTime := time.Now()
	err := ms.users.FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&user)
	logger.DebugF("user query cost: %v", time.Since(startTime))

	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapError(err)
	}
	ms.passwordCache.Add(username, user.PasswordHash)
	return user.PasswordHash, true, nil
}

func (ms *MongoStore) Register(ctx context.Context, username, password string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	hash, err := HashPassword(password, ms.bcryptCost)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	_, err = ms.users.InsertOne(ctx, User{Username: username, PasswordHash: hash, CreatedAt: time.Now()})
	if mongo.IsDuplicateKeyError(err) {
		return ErrUserExists
	}
	if err != nil {
		return wrapError(err)
	}
	ms.passwordCache.Add(username, hash)
	logger.InfoF("User registered: username=%s", username)
	return nil
}

func (ms *MongoStore) RecordLogin(ctx context.Context, username string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	if _, err := ms.logins.InsertOne(ctx, LoginRecord{Username: username, LoginTime: time.Now()}); err != nil {
		return wrapError(err)
	}
	return nil
}

func (ms *MongoStore) RecordLogout(ctx context.Context, username string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "username", Value: username}, {Key: "logout_time", Value: nil}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "logout_time", Value: time.Now()}}}}
	result, err := ms.logins.UpdateMany(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	logger.DebugF("Logout recorded: username=%s, modified=%d", username, result.ModifiedCount)
	return nil
}

func (ms *MongoStore) RecordActivity(ctx context.Context, username, topic string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	record := ActivityRecord{Username: username, Topic: topic, Time: time.Now()}
	if _, err := ms.activities.InsertOne(ctx, record); err != nil {
		return wrapError(err)
	}
	return nil
}

func (ms *MongoStore) Report(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	report := &Report{}

	var users []User
	cursor, err := ms.users.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, wrapError(err)
	}
	if err := cursor.All(ctx, &users); err != nil {
		return nil, wrapError(err)
	}
	for _, user := range users {
		report.Users = append(report.Users, user.Username)
	}

	cursor, err = ms.logins.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "login_time", Value: 1}}))
	if err != nil {
		return nil, wrapError(err)
	}
	if err := cursor.All(ctx, &report.Logins); err != nil {
		return nil, wrapError(err)
	}

	cursor, err = ms.activities.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "time", Value: 1}}))
	if err != nil {
		return nil, wrapError(err)
	}
	if err := cursor.All(ctx, &report.Activity); err != nil {
		return nil, wrapError(err)
	}
	return report, nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
