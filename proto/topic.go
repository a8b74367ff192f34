package proto

import (
	"errors"
	"fmt"
	"strings"
)

// TopicDelimiter separates a topic's tag from its location id.
const TopicDelimiter = "|"

// Tag names the direction or origin of traffic on a backbone topic.
type Tag string

const (
	TagToClient   Tag = "toClient"   // relay -> UI clients
	TagFromClient Tag = "fromClient" // UI clients -> processes
	TagFromSensor Tag = "fromSensor" // processes and datagram ingest -> relay
)

var (
	ErrEmptyLocation = errors.New("location id is empty")
	ErrUnknownTag    = errors.New("unknown topic tag")
)

// Topic is a parsed backbone topic.
type Topic struct {
	Tag        Tag
	LocationID string
}

func (t Topic) String() string {
	return string(t.Tag) + TopicDelimiter + t.LocationID
}

// Tags carries the three configured tag strings. The zero value is not usable,
// start from DefaultTags.
type Tags struct {
	ToClient   Tag
	FromClient Tag
	FromSensor Tag
}

func DefaultTags() Tags {
	return Tags{ToClient: TagToClient, FromClient: TagFromClient, FromSensor: TagFromSensor}
}

// Valid reports whether tag is one of the configured tags.
func (ts Tags) Valid(tag Tag) bool {
	return tag != "" && (tag == ts.ToClient || tag == ts.FromClient || tag == ts.FromSensor)
}

// Build joins tag and locationID into a topic string.
func (ts Tags) Build(tag Tag, locationID string) (string, error) {
	if !ts.Valid(tag) {
		return "", fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if locationID == "" {
		return "", ErrEmptyLocation
	}
	return string(tag) + TopicDelimiter + locationID, nil
}

// Parse splits topic on the first delimiter. ok is false when the topic is
// unroutable: no delimiter, an empty location id or a tag outside ts.
func (ts Tags) Parse(topic string) (Topic, bool) {
	t := ParseTopic(topic)
	return t, t.LocationID != "" && ts.Valid(t.Tag)
}

// Valid reports whether the tag is one of the three default tags.
func (t Tag) Valid() bool {
	return DefaultTags().Valid(t)
}

// BuildTopic builds a topic with the default tags.
func BuildTopic(tag Tag, locationID string) (string, error) {
	return DefaultTags().Build(tag, locationID)
}

// ParseTopic splits on the first delimiter occurrence. A topic without a
// delimiter yields the whole string as tag and an empty location id.
func ParseTopic(topic string) Topic {
	tag, loc, found := strings.Cut(topic, TopicDelimiter)
	if !found {
		return Topic{Tag: Tag(topic)}
	}
	return Topic{Tag: Tag(tag), LocationID: loc}
}
