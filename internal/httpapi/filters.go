package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/you/livetap/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order is the chronological direction of an event listing.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Filters narrows event listings and live streams. The zero value matches
// everything; Limit and Order only apply to stored listings.
type Filters struct {
	Kinds       []core.Kind
	Usernames   []string
	Since       *time.Time
	FlaggedOnly bool
	Limit       int
	Order       Order
}

// kindAliases maps accepted query spellings to event kinds. The empty kind
// stands for "any".
var kindAliases = map[string]core.Kind{
	"chat": core.KindChat, "message": core.KindChat, "messages": core.KindChat,
	"gift": core.KindGift, "gifts": core.KindGift,
	"viewer_count": core.KindViewerCount, "viewers": core.KindViewerCount,
	"notice": core.KindNotice, "notices": core.KindNotice,
	"all": "", "*": "",
}

// filterParams lists the query parameters in the order they are applied.
var filterParams = []struct {
	name  string
	apply func(f *Filters, vals []string) error
}{
	{"limit", applyLimit},
	{"order", applyOrder},
	{"since", applySince},
	{"flagged", applyFlagged},
	{"kind", applyKinds},
	{"username", applyUsernames},
}

// ParseFilters reads filters from query values. Unknown parameters are
// ignored; a malformed known one is an error.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{Limit: defaultLimit, Order: OrderDesc}
	for _, p := range filterParams {
		vals := values[p.name]
		if len(vals) == 0 || (len(vals) == 1 && vals[0] == "") {
			continue
		}
		if err := p.apply(&f, vals); err != nil {
			return Filters{}, fmt.Errorf("%s: %w", p.name, err)
		}
	}
	return f, nil
}

func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func applyLimit(f *Filters, vals []string) error {
	n, err := strconv.Atoi(vals[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("want a positive integer, got %q", vals[0])
	}
	f.Limit = min(n, maxLimit)
	return nil
}

func applyOrder(f *Filters, vals []string) error {
	switch o := Order(strings.ToLower(vals[0])); o {
	case OrderAsc, OrderDesc:
		f.Order = o
		return nil
	}
	return fmt.Errorf("want asc or desc, got %q", vals[0])
}

func applyFlagged(f *Filters, vals []string) error {
	b, err := strconv.ParseBool(vals[0])
	if err != nil {
		return fmt.Errorf("want a boolean, got %q", vals[0])
	}
	f.FlaggedOnly = b
	return nil
}

// applySince accepts RFC 3339, unix seconds, or a Go duration meaning "that
// long ago".
func applySince(f *Filters, vals []string) error {
	raw := vals[0]
	var at time.Time
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		at = t
	} else if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		at = time.Unix(n, 0)
	} else if d, err := time.ParseDuration(raw); err == nil {
		at = time.Now().Add(-d)
	} else {
		return fmt.Errorf("unrecognized time %q", raw)
	}
	at = at.UTC()
	f.Since = &at
	return nil
}

func applyKinds(f *Filters, vals []string) error {
	for _, part := range commaList(vals) {
		kind, ok := kindAliases[strings.ToLower(part)]
		if !ok {
			return fmt.Errorf("unknown kind %q", part)
		}
		if kind == "" {
			f.Kinds = nil
			return nil
		}
		if !slices.Contains(f.Kinds, kind) {
			f.Kinds = append(f.Kinds, kind)
		}
	}
	return nil
}

func applyUsernames(f *Filters, vals []string) error {
	for _, part := range commaList(vals) {
		if name := strings.ToLower(part); !slices.Contains(f.Usernames, name) {
			f.Usernames = append(f.Usernames, name)
		}
	}
	return nil
}

// commaList flattens repeated and comma separated query values.
func commaList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Matches reports whether a live event passes the filters. Username filters
// are case-insensitive substrings and never match events without a user.
func (f Filters) Matches(ev core.Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind()) {
		return false
	}
	if f.Since != nil && ev.Time().Before(*f.Since) {
		return false
	}
	if f.FlaggedOnly && !isFlagged(ev) {
		return false
	}
	if len(f.Usernames) == 0 {
		return true
	}
	user := strings.ToLower(eventUsername(ev))
	if user == "" {
		return false
	}
	return slices.ContainsFunc(f.Usernames, func(u string) bool {
		return strings.Contains(user, u)
	})
}

// CloneForStream drops the listing limit, which has no meaning for a live
// subscription.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}

func isFlagged(ev core.Event) bool {
	chat, ok := ev.(*core.ChatEvent)
	return ok && chat.Classification != nil && chat.Classification.Flagged
}

func eventUsername(ev core.Event) string {
	switch e := ev.(type) {
	case *core.ChatEvent:
		return e.Username
	case *core.GiftEvent:
		return e.Username
	case *core.NoticeEvent:
		return e.Username
	}
	return ""
}
