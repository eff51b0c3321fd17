package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// MemoryStore 进程内的凭据存储，重启后数据丢失
type MemoryStore struct {
	mu         sync.Mutex
	bcryptCost int
	users      map[string]*User
	logins     []LoginRecord
	activity   []ActivityRecord
	now        func() time.Time
}

var _ CredentialStore = (*MemoryStore)(nil)

func NewMemoryStore(bcryptCost int) *MemoryStore {
	return &MemoryStore{
		bcryptCost: bcryptCost,
		users:      make(map[string]*User),
		now:        time.Now,
	}
}

func (ms *MemoryStore) LookupPassword(_ context.Context, username string) (string, bool, error) {
	if username == "" {
		return "", false, ErrUsernameEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	user, ok := ms.users[username]
	if !ok {
		return "", false, nil
	}
	return user.PasswordHash, true, nil
}

func (ms *MemoryStore) Register(_ context.Context, username, password string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	hash, err := HashPassword(password, ms.bcryptCost)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.users[username]; ok {
		return ErrUserExists
	}
	ms.users[username] = &User{Username: username, PasswordHash: hash, CreatedAt: ms.now()}
	logger.InfoF("User registered: username=%s", username)
	return nil
}

func (ms *MemoryStore) RecordLogin(_ context.Context, username string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.logins = append(ms.logins, LoginRecord{Username: username, LoginTime: ms.now()})
	return nil
}

// RecordLogout 为该用户所有未关闭的登录记录写入登出时间
func (ms *MemoryStore) RecordLogout(_ context.Context, username string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := ms.now()
	for i := range ms.logins {
		if ms.logins[i].Username == username && ms.logins[i].LogoutTime == nil {
			ms.logins[i].LogoutTime = &now
		}
	}
	return nil
}

func (ms *MemoryStore) RecordActivity(_ context.Context, username, topic string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.activity = append(ms.activity, ActivityRecord{Username: username, Topic: topic, Time: ms.now()})
	return nil
}

func (ms *MemoryStore) Report(_ context.Context) (*Report, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	report := &Report{
		Users:    make([]string, 0, len(ms.users)),
		Logins:   append([]LoginRecord(nil), ms.logins...),
		Activity: append([]ActivityRecord(nil), ms.activity...),
	}
	for username := range ms.users {
		report.Users = append(report.Users, username)
	}
	sort.Strings(report.Users)
	return report, nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}
