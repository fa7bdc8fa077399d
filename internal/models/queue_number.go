package models

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrQueueNumber = errors.New("malformed queue number")

// QueueNumber is the parsed form of PREFIX-COUNTER-YYYYMMDD-SEQ.
type QueueNumber struct {
	Prefix   string
	Counter  string
	Date     time.Time
	Sequence int
	raw      string
}

func ParseQueueNumber(value string) (QueueNumber, error) {
	value = strings.TrimSpace(value)
	parts := strings.Split(value, "-")
	n := len(parts)
	if n < 4 {
		return QueueNumber{}, ErrQueueNumber
	}
	seqPart := parts[n-1]
	datePart := parts[n-2]
	counter := parts[n-3]
	prefix := strings.Join(parts[:n-3], "-")
	if prefix == "" || counter == "" || seqPart == "" || len(datePart) != 8 {
		return QueueNumber{}, ErrQueueNumber
	}
	date, err := time.Parse("20060102", datePart)
	if err != nil {
		return QueueNumber{}, ErrQueueNumber
	}
	seq, err := strconv.Atoi(seqPart)
	if err != nil || seq < 0 {
		return QueueNumber{}, ErrQueueNumber
	}
	return QueueNumber{
		Prefix:   prefix,
		Counter:  counter,
		Date:     date,
		Sequence: seq,
		raw:      seqPart,
	}, nil
}

// Display renders the number without its date segment, keeping the
// sequence padding as issued.
func (q QueueNumber) Display() string {
	seq := q.raw
	if seq == "" {
		seq = strconv.Itoa(q.Sequence)
	}
	return q.Prefix + "-" + q.Counter + "-" + seq
}
