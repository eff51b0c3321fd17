package database

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	UserCollectionName     = "users"
	LoginCollectionName    = "logins"
	ActivityCollectionName = "activities"
)

var (
	ErrUsernameEmpty = errors.New("username is empty")
	ErrUserExists    = errors.New("user already registered")
)

// CredentialStore 用户凭据与活动记录的持久化接口
type CredentialStore interface {
	// LookupPassword 返回用户的密码哈希，用户不存在时 found 为 false
	LookupPassword(ctx context.Context, username string) (hash string, found bool, err error)
	Register(ctx context.Context, username, password string) error
	RecordLogin(ctx context.Context, username string) error
	RecordLogout(ctx context.Context, username string) error
	RecordActivity(ctx context.Context, username, topic string) error
	Report(ctx context.Context) (*Report, error)
	Close(ctx context.Context) error
}

type User struct {
	Username     string    `bson:"username"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
}

type LoginRecord struct {
	Username   string     `bson:"username"`
	LoginTime  time.Time  `bson:"login_time"`
	LogoutTime *time.Time `bson:"logout_time"`
}

// ActivityRecord 用户向某个主题发布消息的记录
type ActivityRecord struct {
	Username string    `bson:"username"`
	Topic    string    `bson:"topic"`
	Time     time.Time `bson:"time"`
}

// Report 服务器统计数据
type Report struct {
	Users    []string
	Logins   []LoginRecord
	Activity []ActivityRecord
}

// preHash 将任意长度的密码压缩为 44 字节，bcrypt 只接受不超过 72 字节的输入
func preHash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

// HashPassword 使用 bcrypt 生成密码哈希，cost 为 0 时使用默认值
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword(preHash(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword 判断明文密码是否与哈希完全匹配
func ComparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), preHash(password)) == nil
}
