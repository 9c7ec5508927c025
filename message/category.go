package message

import (
	"strings"
)

// Category is a payload category a message can belong to.
type Category int

const (
	// Any matches every delivered message.
	Any Category = iota
	// Primary is a status update: both "id" and "text" are present.
	Primary
	// Deletion is a status deletion notice ("delete").
	Deletion
	// LocationScrub asks consumers to strip location data ("scrub_geo").
	LocationScrub
	// Limit reports undelivered messages due to rate limits ("limit").
	Limit
	// WithheldStatus reports a status withheld in some countries.
	WithheldStatus
	// WithheldUser reports a user withheld in some countries.
	WithheldUser
	// FavoriteEvent is a favorite notification, either a stream event with
	// event == "favorite" or a webhook body carrying "favorite_events".
	FavoriteEvent
	// FriendsList is the friend id list sent at stream start.
	FriendsList
	// GenericEvent is any other "event" notification.
	GenericEvent

	numCategories
)

var categoryNames = [numCategories]string{
	Any:            "any",
	Primary:        "primary",
	Deletion:       "delete",
	LocationScrub:  "scrub_geo",
	Limit:          "limit",
	WithheldStatus: "status_withheld",
	WithheldUser:   "user_withheld",
	FavoriteEvent:  "favorite",
	FriendsList:    "friends",
	GenericEvent:   "event",
}

// DispatchOrder is the fixed order in which categories are dispatched.
var DispatchOrder = []Category{Any, Primary, Deletion, LocationScrub, FavoriteEvent, FriendsList}

// AllCategories lists every category, dispatchable or not.
func AllCategories() []Category {
	out := make([]Category, 0, numCategories)
	for c := Category(0); c < numCategories; c++ {
		out = append(out, c)
	}
	return out
}

// String returns the category's config name.
func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return "unknown"
	}
	return categoryNames[c]
}

// Dispatchable reports whether handlers are ever invoked for c. Limit,
// withheld and generic event notices are recognized but not dispatched.
func (c Category) Dispatchable() bool {
	switch c {
	case Any, Primary, Deletion, LocationScrub, FavoriteEvent, FriendsList:
		return true
	default:
		return false
	}
}

// ParseCategory resolves a config name such as "primary" or "favorite".
// The legacy name "tweet" is accepted for Primary.
func ParseCategory(name string) (Category, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "tweet" {
		return Primary, true
	}
	for c, n := range categoryNames {
		if n == name {
			return Category(c), true
		}
	}
	return 0, false
}

// CategorySet is a set of categories.
type CategorySet uint32

// NewCategorySet builds a set from the given categories.
func NewCategorySet(cats ...Category) CategorySet {
	var s CategorySet
	for _, c := range cats {
		s = s.With(c)
	}
	return s
}

// With returns s plus c.
func (s CategorySet) With(c Category) CategorySet {
	if c < 0 || c >= numCategories {
		return s
	}
	return s | 1<<uint(c)
}

// Has reports whether c is in s.
func (s CategorySet) Has(c Category) bool {
	if c < 0 || c >= numCategories {
		return false
	}
	return s&(1<<uint(c)) != 0
}

// Categories returns the members in declaration order.
func (s CategorySet) Categories() []Category {
	var out []Category
	for c := Category(0); c < numCategories; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// String renders the set as a comma separated list of names.
func (s CategorySet) String() string {
	cats := s.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}

// Categorize computes the payload categories of a delivered message. Each
// rule is independent key presence, so a message may fall into several.
func Categorize(msg Message) CategorySet {
	s := NewCategorySet(Any)
	if msg.Has("id") && msg.Has("text") {
		s = s.With(Primary)
	}
	if msg.Has("delete") {
		s = s.With(Deletion)
	}
	if msg.Has("scrub_geo") {
		s = s.With(LocationScrub)
	}
	if msg.Has("limit") {
		s = s.With(Limit)
	}
	if msg.Has("status_withheld") {
		s = s.With(WithheldStatus)
	}
	if msg.Has("user_withheld") {
		s = s.With(WithheldUser)
	}
	if msg.Has("friends") || msg.Has("friends_str") {
		s = s.With(FriendsList)
	}
	if msg.Has("favorite_events") {
		s = s.With(FavoriteEvent)
	}
	if msg.Has("event") {
		if msg.Str("event") == "favorite" {
			s = s.With(FavoriteEvent)
		} else {
			s = s.With(GenericEvent)
		}
	}
	return s
}
