package engine

import "github.com/google/uuid"

// Overridable so tests can assert on deterministic reservation ids.
var newReservationID = uuid.NewString
