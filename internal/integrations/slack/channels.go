package slackbot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
)

const channelCacheTTL = 5 * time.Minute

var channelCache struct {
	sync.Mutex
	byName    map[string]string
	fetchedAt time.Time
}

func getCachedChannels(ctx context.Context, api *slack.Client) (map[string]string, error) {
	channelCache.Lock()
	defer channelCache.Unlock()

	if channelCache.byName != nil && time.Since(channelCache.fetchedAt) < channelCacheTTL {
		return channelCache.byName, nil
	}

	byName := map[string]string{}
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
		Types:           []string{"public_channel", "private_channel"},
	}
	for {
		channels, next, err := api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, ch := range channels {
			byName[strings.ToLower(ch.Name)] = ch.ID
		}
		if next == "" {
			break
		}
		params.Cursor = next
	}
	channelCache.byName = byName
	channelCache.fetchedAt = time.Now()
	return byName, nil
}

func resolveChannelID(ctx context.Context, api *slack.Client, channel string) (string, error) {
	if isLikelyChannelID(channel) {
		return channel, nil
	}
	byName, err := getCachedChannels(ctx, api)
	if err != nil {
		return "", err
	}
	name := strings.ToLower(strings.TrimPrefix(channel, "#"))
	if id, ok := byName[name]; ok {
		return id, nil
	}
	return "", fmt.Errorf("channel %q not found", channel)
}

func isLikelyChannelID(val string) bool {
	if len(val) < 9 {
		return false
	}
	for i, r := range val {
		if i == 0 {
			if r != 'C' && r != 'G' && r != 'D' {
				return false
			}
			continue
		}
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
