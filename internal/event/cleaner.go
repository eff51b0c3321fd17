package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 让普通函数满足 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner 关闭时按注册的逆序执行清理函数，最后关闭日志
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	cleanOnce      sync.Once
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
}

func NewCleaner(loggerShutdown Callable) *Cleaner {
	return &Cleaner{loggerShutdown: loggerShutdown, timeout: 10 * time.Second}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Clean 执行全部清理函数，只生效一次
func (c *Cleaner) Clean() error {
	var result error
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true // 标记为清理中，阻止后续Add操作
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		// 后注册的先清理：服务器先于存储关闭
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			callable := cleanersCopy[i]
			logger.DebugF("Invoking cleaner #%d (%T)", i+1, callable)
			timeoutCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
			if err := callable.Invoke(timeoutCtx); err != nil {
				logger.ErrorF("Cleaner #%d (%T) failed: %v", i+1, callable, err)
				errs = append(errs, err)
			}
			cancel()
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if c.loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
				errs = append(errs, err)
			}
		}
		result = errors.Join(errs...)
	})
	return result
}
