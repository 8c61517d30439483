package bot

import "strings"

// ChannelFilter decides where the bot answers mentions. An empty allow list means every
// guild channel.
type ChannelFilter struct {
	allowed  map[string]struct{}
	allowDMs bool
}

// NewChannelFilter builds a filter from configured channel ids
func NewChannelFilter(channelIDs []string, allowDMs bool) *ChannelFilter {
	allowed := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &ChannelFilter{allowed: allowed, allowDMs: allowDMs}
}

// Allows reports whether the bot may answer in the channel
func (f *ChannelFilter) Allows(channelID string, isDM bool) bool {
	if f == nil {
		return true
	}
	if isDM {
		return f.allowDMs
	}
	if len(f.allowed) == 0 {
		return true
	}
	_, ok := f.allowed[channelID]
	return ok
}
