package models

import (
	"strconv"
	"strings"
	"time"
)

type Counter struct {
	ID            ID         `json:"id"`
	Name          string     `json:"name"`
	Code          string     `json:"code"`
	DailyQuota    int        `json:"quota"`
	ScheduleStart string     `json:"schedule_start,omitempty"`
	ScheduleEnd   string     `json:"schedule_end,omitempty"`
	Active        bool       `json:"is_active"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

func (c Counter) Trashed() bool {
	return c.DeletedAt != nil
}

// ParseClock parses a HH:MM or HH:MM:SS time of day into minutes since
// midnight. Seconds are accepted but ignored.
func ParseClock(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	if len(parts) == 3 {
		second, err := strconv.Atoi(parts[2])
		if err != nil || second < 0 || second > 59 {
			return 0, false
		}
	}
	return hour*60 + minute, true
}
