package supervisor

import (
	"time"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/store"
)

// Request types sent from the supervisor to its worker.
const (
	RequestStartSync  = "start_sync"
	RequestCancelSync = "cancel_sync"
)

// Response types sent from the worker back to the supervisor.
const (
	ResponseProgress  = "progress"
	ResponseComplete  = "complete"
	ResponseError     = "error"
	ResponseCancelled = "cancelled"
)

// Request is a message from the supervisor to its worker. Every request
// carries the correlation ID of the run it belongs to.
type Request struct {
	Type     string
	ID       string
	Settings config.Settings
	FullSync bool
}

// Response is a message from the worker to its supervisor. A response is
// only acted on when its ID matches the supervisor's outstanding run.
type Response struct {
	Type        string
	ID          string
	Current     int
	Total       int
	Phase       store.Phase
	ItemID      int64
	Processed   int
	Err         string
	Recoverable bool
	Timestamp   time.Time
}
