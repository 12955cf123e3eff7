package devices

import "strings"

// TopicMatches reports whether a concrete topic matches the topic filter. Filters use
// the MQTT wildcards '+' for a single level and '#' for all remaining levels.
func TopicMatches(filter, topic string) bool {
	if strings.ContainsAny(topic, "+#") {
		return false
	}
	return FilterCovers(filter, topic)
}

// FilterCovers reports whether every topic matched by sub is also matched by filter.
// It is used for subscriptions, where the subscriber's topic may contain wildcards itself.
func FilterCovers(filter, sub string) bool {
	fl := strings.Split(filter, "/")
	sl := strings.Split(sub, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(sl) {
			return false
		}
		switch s := sl[i]; {
		case s == "#":
			return false
		case f == "+":
		case f != s:
			return false
		}
	}
	return len(sl) == len(fl)
}

// CanPublish reports whether any enabled rule with write access matches topic
func CanPublish(rules []AccessRule, topic string) bool {
	for _, r := range rules {
		if r.Enabled && r.Mode.AllowsWrite() && TopicMatches(r.Topic, topic) {
			return true
		}
	}
	return false
}

// CanSubscribe reports whether any enabled rule with read access covers the subscription
func CanSubscribe(rules []AccessRule, sub string) bool {
	for _, r := range rules {
		if r.Enabled && r.Mode.AllowsRead() && FilterCovers(r.Topic, sub) {
			return true
		}
	}
	return false
}

// Like reports whether s matches the SQL LIKE pattern, where '%' matches any sequence
// and '_' any single character. Matching is case sensitive.
func Like(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if Like(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && Like(s[1:], pattern[1:])
	default:
		return s != "" && s[0] == pattern[0] && Like(s[1:], pattern[1:])
	}
}
