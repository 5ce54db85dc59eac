package session

import (
	"github.com/google/uuid"

	"github.com/redgiant-project/rgt/internal/wire"
)

// NewExposureID mints a fresh 128-bit exposure_id. RGT names no particular
// generation scheme (§3 just calls it "a 128-bit identifier"); uuid.New
// gives collision resistance without the caller managing any counter
// state, matching how the teacher mints transfer/session IDs.
func NewExposureID() wire.ExposureID {
	return wire.ExposureID(uuid.New())
}
