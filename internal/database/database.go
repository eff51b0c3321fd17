// Package database 实现了用户凭据与活动记录的持久化
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/utils"
)

// Open 根据配置创建凭据存储
func Open(ctx context.Context, config c.Config) (CredentialStore, error) {
	switch config.Store.Backend {
	case c.BackendMemory, "":
		logger.Info("Using in-memory credential store")
		return NewMemoryStore(config.Store.BcryptCost), nil
	case c.BackendMongoDB:
		store, err := ConnectDatabase(ctx, config)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Store.Backend)
	}
}

// CloseCallback 在服务器关闭时释放存储
type CloseCallback struct {
	store CredentialStore
}

func NewCloseCallback(store CredentialStore) *CloseCallback {
	return &CloseCallback{store: store}
}

func (cc *CloseCallback) Invoke(ctx context.Context) error {
	logger.Info("Closing credential store")
	return cc.store.Close(ctx)
}

func databaseURI(config c.DatabaseConfig) string {
	if config.URI != "" {
		return config.URI
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Username)
	encodedPass := url.QueryEscape(config.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Host,
		config.Port,
	)
}

// ConnectDatabase 连接 MongoDB 并建立索引
func ConnectDatabase(ctx context.Context, config c.Config) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")
	dbConfig := config.Database

	clientOptions := options.Client().ApplyURI(databaseURI(dbConfig)).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(dbConfig.MinPoolSize)
	clientOptions.SetMaxPoolSize(dbConfig.MaxPoolSize)
	if d := utils.ParseStringTime(dbConfig.ConnectIdleTimeout); d > 0 {
		clientOptions.SetMaxConnIdleTime(d)
	}
	// 超时限制
	if d := utils.ParseStringTime(dbConfig.ConnectTimeout); d > 0 {
		clientOptions.SetConnectTimeout(d)
	}
	if d := utils.ParseStringTime(dbConfig.SocketTimeout); d > 0 {
		clientOptions.SetSocketTimeout(d)
	}
	if d := utils.ParseStringTime(dbConfig.Heartbeat); d > 0 {
		clientOptions.SetHeartbeatInterval(d)
	}
	if dbConfig.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: address=%s id=%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: address=%s id=%d reason=%s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	operationTimeout := utils.ParseStringTime(dbConfig.OperationTimeout)
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	cacheSize := config.Store.PasswordCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}

	db := client.Database(dbConfig.Database)
	store := &MongoStore{
		client:           client,
		users:            db.Collection(UserCollectionName),
		logins:           db.Collection(LoginCollectionName),
		activities:       db.Collection(ActivityCollectionName),
		operationTimeout: operationTimeout,
		bcryptCost:       config.Store.BcryptCost,
		passwordCache:    expirable.NewLRU[string, string](cacheSize, nil, config.Store.CacheTTL()),
	}

	if err := store.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}

	logger.InfoF("Connected to database %s", dbConfig.Database)
	return store, nil
}

func (ms *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := ms.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_username_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	_, err = ms.logins.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}, {Key: "logout_time", Value: 1}},
		Options: options.Index().SetName("logins_username_logout"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}
