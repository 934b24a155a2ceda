package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindCrawlerStarted Kind = "CRAWLER_STARTED"
	KindCrawlerPaused  Kind = "CRAWLER_PAUSED"
	KindCrawlerResumed Kind = "CRAWLER_RESUMED"
	KindCrawlerDeleted Kind = "CRAWLER_DELETED"
	KindSessionUp      Kind = "SESSION_UP"
	KindSessionDown    Kind = "SESSION_DOWN"
	KindSessionStatus  Kind = "SESSION_STATUS"
	KindStatusReport   Kind = "STATUS_REPORT"
)

// Event captures one crawler lifecycle or stream session milestone.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Crawler scopes lifecycle events to a crawler name.
	Crawler string
	// Credential scopes session events to a credential label.
	Credential string
	// Records carries a record count; its scope depends on the kind.
	Records int64
	// Active and Paused carry the crawler state distribution for
	// status reports.
	Active int
	Paused int
	// Sessions is the number of live stream sessions for status reports.
	Sessions int
	// Uptime is the session's time since connect for session events.
	Uptime time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCrawlerStarted, KindCrawlerPaused, KindCrawlerResumed, KindCrawlerDeleted:
		if e.Crawler == "" {
			return errors.New("crawler events require a crawler name")
		}
	case KindSessionUp, KindSessionDown, KindSessionStatus:
		if e.Credential == "" {
			return errors.New("session events require a credential label")
		}
	case KindStatusReport:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Records < 0 {
		return errors.New("record count must be >= 0")
	}
	if e.Uptime < 0 {
		return errors.New("uptime must be >= 0")
	}
	return nil
}
