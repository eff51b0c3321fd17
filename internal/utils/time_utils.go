package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// ParseStringTime 解析形如 "500ms"、"10s"、"5m"、"48h"、"2d" 的时长，非法输入返回 0
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0
	}
	if duration, err := time.ParseDuration(timeString); err == nil {
		return duration
	}
	// time.ParseDuration 不支持天
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * time.Hour * 24
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}
