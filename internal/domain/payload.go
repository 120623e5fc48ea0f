package domain

import (
	"encoding/json"
	"time"
)

type Payload struct {
	Key       string
	Data      json.RawMessage
	QueriedAt time.Time
}
