package tools

import (
	"encoding/json"
	"time"

	"github.com/Log-LogN/warden/pkg/models"
)

// Success builds a success envelope around raw result JSON.
func Success(source string, data json.RawMessage, duration time.Duration, hit bool) *models.Envelope {
	return &models.Envelope{
		Status:     models.StatusSuccess,
		Data:       data,
		Timestamp:  time.Now().UTC(),
		Source:     source,
		DurationMS: duration.Milliseconds(),
		Cache:      models.CacheMeta{Hit: hit},
	}
}

// Failure builds an error envelope. The error string is the only detail
// a caller sees, so the fault types keep their messages self-contained.
func Failure(source string, err error, duration time.Duration) *models.Envelope {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &models.Envelope{
		Status:     models.StatusError,
		Error:      msg,
		Timestamp:  time.Now().UTC(),
		Source:     source,
		DurationMS: duration.Milliseconds(),
	}
}
