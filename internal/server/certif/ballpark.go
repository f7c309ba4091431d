package certif

import (
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
)

// Ballpark window around server time within which client timestamps must
// fall. The late offset is larger than the early one so that a client
// retrying after RequireGreaterTimestamp has some headroom.
const (
	BallparkEarlyOffset = 300 * time.Second
	BallparkLateOffset  = 320 * time.Second
)

// InBallpark checks that the client timestamp lies within
// [now - early, now + late] and returns a TimestampOutOfBallparkError
// otherwise.
func InBallpark(clientTimestamp, now time.Time) error {
	if clientTimestamp.Before(now.Add(-BallparkEarlyOffset)) || clientTimestamp.After(now.Add(BallparkLateOffset)) {
		return &common.TimestampOutOfBallparkError{
			ServerTimestamp: now,
			ClientTimestamp: clientTimestamp,
			BallparkEarly:   BallparkEarlyOffset,
			BallparkLate:    BallparkLateOffset,
		}
	}
	return nil
}
