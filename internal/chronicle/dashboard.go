package chronicle

import (
	"context"
	"encoding/json"
	"strconv"
)

// RelativeTime is a dashboard interval relative to now.
type RelativeTime struct {
	TimeUnit     string `json:"timeUnit"`
	StartTimeVal string `json:"startTimeVal"`
}

// Interval is the input window of a dashboard query.
type Interval struct {
	RelativeTime *RelativeTime `json:"relativeTime,omitempty"`
}

// RelativeInterval returns the window covering the last n units.
func RelativeInterval(unit string, n int) Interval {
	return Interval{RelativeTime: &RelativeTime{TimeUnit: unit, StartTimeVal: strconv.Itoa(n)}}
}

type dashboardQueryRequest struct {
	Query struct {
		Query string   `json:"query"`
		Input Interval `json:"input"`
	} `json:"query"`
	ClearCache bool `json:"clearCache"`
}

// ExecuteDashboardQuery runs a YARA-L dashboard query and returns the raw
// response so callers can decode columns in document order.
func (c *Client) ExecuteDashboardQuery(ctx context.Context, query string, interval Interval) (json.RawMessage, error) {
	var req dashboardQueryRequest
	req.Query.Query = query
	req.Query.Input = interval
	req.ClearCache = true

	var raw json.RawMessage
	if err := c.do(ctx, "POST", c.instanceURL()+"/dashboardQueries:execute", req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Feed is a configured ingestion feed.
type Feed struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	State       string `json:"state,omitempty"`
}

// ListFeeds returns the instance's feeds. It doubles as a connectivity check.
func (c *Client) ListFeeds(ctx context.Context) ([]Feed, error) {
	var resp struct {
		Feeds []Feed `json:"feeds"`
	}
	if err := c.do(ctx, "GET", c.instanceURL()+"/feeds", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Feeds, nil
}
