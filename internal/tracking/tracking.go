// internal/tracking/tracking.go
// Package tracking implements the end-to-end correlation identity that is
// threaded through every control-connection log line and every outbound
// rendezvous/reconnect URL. It mirrors the way the teacher's internal/util
// package hands out process-wide correlation ids (see util/id.go), but here
// the id must be UUID-shaped because the relay service expects one.
package tracking

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Voskan/hycolink/internal/logging"
)

// Context is an immutable correlation identity propagated into every log
// line and outbound URL for a single control connection or exchange. It is
// safe to share by reference across goroutines: all fields are set once at
// construction.
type Context struct {
	activityID uuid.UUID
	trackingID string
	address    string
}

// New builds a Context for a fresh address, generating a new activity id.
func New(address string) *Context {
	id := uuid.New()
	return &Context{activityID: id, trackingID: id.String(), address: address}
}

// NewWithTrackingID builds a Context from a tracking id supplied externally
// (e.g. relayed back by the service on reconnect). If trackingID does not
// parse as a UUID, a new UUID is generated, the original string is retained
// verbatim as TrackingID(), and a warning is logged.
func NewWithTrackingID(address, trackingID string) *Context {
	base := removeSuffix(trackingID)
	if id, err := uuid.Parse(base); err == nil {
		return &Context{activityID: id, trackingID: trackingID, address: address}
	}
	id := uuid.New()
	logging.Logger().Warn("tracking id is not a valid uuid, generating a new one",
		zap.String("tracking_id", trackingID),
		zap.String("address", address),
	)
	return &Context{activityID: id, trackingID: trackingID, address: address}
}

// ActivityID returns the UUID identity backing this context.
func (c *Context) ActivityID() uuid.UUID { return c.activityID }

// TrackingID returns the original tracking id string, which may carry a
// service-appended "_Gxx" routing suffix.
func (c *Context) TrackingID() string { return c.trackingID }

// Address returns the listener address this context was created for.
func (c *Context) Address() string { return c.address }

// BaseTrackingID returns removeSuffix(TrackingID()): the portion before the
// first underscore. This is the stable value used as sb-hc-id across
// reconnects so the id does not grow on every retry.
func (c *Context) BaseTrackingID() string { return removeSuffix(c.trackingID) }

// removeSuffix returns the substring of s before the first '_', or s itself
// if there is none.
func removeSuffix(s string) string {
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return s[:i]
	}
	return s
}

// Fields returns the zap fields every log line for this context should
// carry, so packages never have to remember the exact key names.
func (c *Context) Fields() []zap.Field {
	return []zap.Field{
		zap.String("tracking_id", c.trackingID),
		zap.String("address", c.address),
	}
}

// EnsureTrackable appends "TrackingId:<id>, Address:<addr>, Timestamp:<now>"
// to message if it does not already mention a tracking id, inserting a
// terminating period first if the message lacks one.
func (c *Context) EnsureTrackable(message string) string {
	if strings.Contains(message, "TrackingId:") {
		return message
	}
	if message != "" && !strings.HasSuffix(strings.TrimSpace(message), ".") {
		message = strings.TrimRight(message, " ") + "."
	}
	suffix := "TrackingId:" + c.trackingID + ", Address:" + c.address + ", Timestamp:" + time.Now().UTC().Format(time.RFC3339Nano)
	if message == "" {
		return suffix
	}
	return message + " " + suffix
}
