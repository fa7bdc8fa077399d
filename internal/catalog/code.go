package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"qms/mpp-desk/internal/models"
)

var (
	ErrInvalidCode     = errors.New("counter code must look like XX-NNN")
	ErrInvalidName     = errors.New("counter name is required")
	ErrInvalidQuota    = errors.New("daily quota must be positive")
	ErrInvalidSchedule = errors.New("schedule must be HH:MM:SS with start before end")
	ErrCodeExhausted   = errors.New("no counter codes left for prefix")
)

var codePattern = regexp.MustCompile(`^[A-Z]{2}-[0-9]{3}$`)

func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return ErrInvalidCode
	}
	return nil
}

// NextCode returns the next free code for a two letter prefix. Trashed
// counters still hold their codes so a restore never collides.
func NextCode(prefix string, counters []models.Counter) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if len(prefix) != 2 || !codePattern.MatchString(prefix+"-000") {
		return "", ErrInvalidCode
	}
	highest := 0
	for _, counter := range counters {
		if !strings.HasPrefix(counter.Code, prefix+"-") || ValidateCode(counter.Code) != nil {
			continue
		}
		seq, err := strconv.Atoi(counter.Code[3:])
		if err != nil {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}
	if highest >= 999 {
		return "", ErrCodeExhausted
	}
	return fmt.Sprintf("%s-%03d", prefix, highest+1), nil
}

// ValidateCounter applies the checks the admin form enforces before a
// counter is created or updated.
func ValidateCounter(counter models.Counter) error {
	if strings.TrimSpace(counter.Name) == "" {
		return ErrInvalidName
	}
	if err := ValidateCode(counter.Code); err != nil {
		return err
	}
	if counter.DailyQuota <= 0 {
		return ErrInvalidQuota
	}
	start, hasStart := models.ParseClock(counter.ScheduleStart)
	end, hasEnd := models.ParseClock(counter.ScheduleEnd)
	if counter.ScheduleStart != "" && !hasStart {
		return ErrInvalidSchedule
	}
	if counter.ScheduleEnd != "" && !hasEnd {
		return ErrInvalidSchedule
	}
	if hasStart && hasEnd && start >= end {
		return ErrInvalidSchedule
	}
	return nil
}
