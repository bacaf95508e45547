// Package feed decodes GTFS-Realtime vehicle-position feeds into the
// plain model.PositionUpdate values the tracker consumes (C5/C10,
// §4.4/§6.1). Nothing in internal/tracker imports this package or the
// protobuf bindings it depends on.
package feed

import (
	"context"

	"github.com/wawtrams/delaywatch/internal/model"
)

// Source is the interface the poller consumes. The classification core
// treats the feed as an already-decoded external collaborator; only
// *GTFSRTSource depends on the protobuf wire format.
type Source interface {
	Fetch(ctx context.Context) ([]model.PositionUpdate, error)
}
