package unipile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Calendar はプロバイダーが返すカレンダー1件。
type Calendar struct {
	ID         string
	Name       string
	IsPrimary  bool
	AccessRole string
	TimeZone   string
}

// CalendarEndpoint はカレンダー一覧を取得するエンドポイントの候補。
// プロバイダーのバージョンによって使えるパスが異なるため、先頭から順に試す。
type CalendarEndpoint struct {
	Name string
	path func(accountID string) string
}

// CalendarEndpoints は試行順に並べたカレンダー一覧エンドポイントの候補。
var CalendarEndpoints = []CalendarEndpoint{
	{Name: "calendars", path: func(id string) string {
		return "/api/v1/calendars?account_id=" + url.QueryEscape(id)
	}},
	{Name: "calendars_list", path: func(id string) string {
		return "/api/v1/calendars/list?account_id=" + url.QueryEscape(id)
	}},
	{Name: "account_calendars", path: func(id string) string {
		return "/api/v1/accounts/" + url.PathEscape(id) + "/calendars"
	}},
}

// ListCalendars は指定した候補エンドポイントでカレンダー一覧を取得する。
func (c *Client) ListCalendars(ctx context.Context, endpoint CalendarEndpoint, accountID string) ([]Calendar, error) {
	respBody, err := c.do(ctx, "list_calendars_"+endpoint.Name, http.MethodGet, endpoint.path(accountID), nil)
	if err != nil {
		return nil, err
	}
	return decodeCalendars(respBody)
}

// rawCalendar はプロバイダーごとに異なるフィールド名を吸収する。
type rawCalendar struct {
	ID              string `json:"id"`
	CalendarID      string `json:"calendar_id"`
	Name            string `json:"name"`
	Summary         string `json:"summary"`
	Title           string `json:"title"`
	IsPrimary       *bool  `json:"is_primary"`
	Primary         *bool  `json:"primary"`
	AccessRole      string `json:"access_role"`
	AccessRoleCamel string `json:"accessRole"`
	TimeZone        string `json:"time_zone"`
	TimeZoneCamel   string `json:"timeZone"`
}

func (r rawCalendar) normalize() Calendar {
	c := Calendar{
		ID:         firstNonEmpty(r.ID, r.CalendarID),
		Name:       firstNonEmpty(r.Name, r.Summary, r.Title),
		AccessRole: firstNonEmpty(r.AccessRole, r.AccessRoleCamel),
		TimeZone:   firstNonEmpty(r.TimeZone, r.TimeZoneCamel),
	}
	switch {
	case r.IsPrimary != nil:
		c.IsPrimary = *r.IsPrimary
	case r.Primary != nil:
		c.IsPrimary = *r.Primary
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return c
}

// decodeCalendars はitems/data/calendarsのいずれかのキー、または配列そのものの
// レスポンスからカレンダー一覧を取り出す。IDのない要素は捨てる。
func decodeCalendars(body []byte) ([]Calendar, error) {
	var items []rawCalendar
	if err := json.Unmarshal(body, &items); err != nil {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode calendars: %w", err)
		}
		found := false
		for _, key := range []string{"items", "data", "calendars"} {
			raw, ok := envelope[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("failed to decode calendars.%s: %w", key, err)
			}
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("calendars response has no list")
		}
	}

	calendars := make([]Calendar, 0, len(items))
	for _, item := range items {
		c := item.normalize()
		if c.ID == "" {
			continue
		}
		calendars = append(calendars, c)
	}
	return calendars, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
