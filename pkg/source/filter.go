package source

import (
	"strconv"
	"strings"
)

// ChannelFilter holds the channel allow-list. Entries may be numeric ids in
// any of the platform's forms (-1001234567890, -1234567890, 1234567890),
// @usernames, bare usernames or t.me links.
type ChannelFilter struct {
	ids   map[int64]bool
	names map[string]bool
}

// NewChannelFilter normalizes entries into a lookup set.
func NewChannelFilter(entries []string) *ChannelFilter {
	f := &ChannelFilter{ids: map[int64]bool{}, names: map[string]bool{}}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if id, err := strconv.ParseInt(e, 10, 64); err == nil {
			f.ids[NormalizeChatID(id)] = true
			continue
		}
		if name := NormalizeUsername(e); name != "" {
			f.names[name] = true
		}
	}
	return f
}

// Empty reports whether no entries were configured. An empty filter accepts
// every channel.
func (f *ChannelFilter) Empty() bool {
	return f == nil || (len(f.ids) == 0 && len(f.names) == 0)
}

// Allows returns true if the chat is on the allow-list.
func (f *ChannelFilter) Allows(chatID int64, username string) bool {
	if f.Empty() {
		return true
	}
	if f.ids[NormalizeChatID(chatID)] {
		return true
	}
	if name := NormalizeUsername(username); name != "" && f.names[name] {
		return true
	}
	return false
}

// channelIDDigits is the minimum length of a channel id once the -100
// prefix is removed. Shorter remainders belong to basic groups.
const channelIDDigits = 10

// NormalizeChatID strips the -100 channel prefix and the sign so that every
// form of a channel id compares equal. Basic group ids such as -100123 only
// lose their sign.
func NormalizeChatID(id int64) int64 {
	s := strconv.FormatInt(id, 10)
	if rest, ok := strings.CutPrefix(s, "-100"); ok && len(rest) >= channelIDDigits {
		s = rest
	}
	s = strings.TrimPrefix(s, "-")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return id
	}
	return n
}

// NormalizeUsername lowercases a handle and strips @ and t.me prefixes.
func NormalizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range []string{"https://", "http://", "t.me/", "telegram.me/", "@"} {
		s = strings.TrimPrefix(s, p)
	}
	return strings.Trim(s, "/")
}
