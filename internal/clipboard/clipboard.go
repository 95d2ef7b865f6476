// Package clipboard defines the boundary between the history engine and the
// platform clipboard. The engine consumes Change values through the Watcher
// interface; how they are observed (polling, native pasteboard callbacks) is
// the watcher's business.
package clipboard

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Kind classifies a payload by its dominant representation.
type Kind string

const (
	KindText  Kind = "text"
	KindLink  Kind = "link"
	KindImage Kind = "image"
	KindFile  Kind = "file"
	KindOther Kind = "other"
)

// Payload is a single clipboard representation. Textual kinds carry Text;
// binary kinds (images) carry Data.
type Payload struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Empty reports whether the payload carries no content at all.
func (p Payload) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Data) == 0
}

// Change is one observed clipboard transition. Alternates maps a format
// label (e.g. "text/html") to a secondary representation of the same
// content; watchers that cannot observe alternates leave it nil.
type Change struct {
	Primary    Payload
	Alternates map[string]Payload
	SourceApp  string
	OccurredAt time.Time
}

// Watcher delivers clipboard changes to the engine. Start is non-blocking;
// the watcher stops when the context is cancelled or Stop is called.
type Watcher interface {
	Start(ctx context.Context) error
	Changes() <-chan Change
	Stop()
}

// DetectKind classifies raw clipboard text. A single token that parses as an
// http(s) URL is a link; a file URL is a file reference; everything else is
// plain text.
func DetectKind(text string) Kind {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return KindText
	}
	if strings.ContainsAny(trimmed, " \t\n\r") {
		return KindText
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return KindText
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host != "" {
			return KindLink
		}
	case "file":
		if u.Path != "" {
			return KindFile
		}
	}
	return KindText
}
