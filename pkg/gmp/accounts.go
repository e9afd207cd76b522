package gmp

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/value"
)

var accountIDPattern = regexp.MustCompile(`^\d{6,}$`)

// values under these keys are account ids no matter how deep they are
var accountIDKeys = map[string]bool{
	"accountId":     true,
	"account_id":    true,
	"accountNumber": true,
	"account":       true,
}

const maxAccountIDDepth = 6

// ExtractAccountIDs scans v for plausible account identifiers and returns
// them sorted as strings.
func ExtractAccountIDs(v value.Value) []string {
	found := map[string]struct{}{}
	extractAccountIDs(v, 0, found)
	return sortedIDs(found)
}

func sortedIDs(found map[string]struct{}) []string {
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func extractAccountIDs(v value.Value, depth int, found map[string]struct{}) {
	if depth > maxAccountIDDepth {
		return
	}

	switch v.Kind() {
	case value.Object:
		for _, key := range v.Keys() {
			item, _ := v.Get(key)
			if accountIDKeys[key] {
				addAccountID(item, found)
			}
			extractAccountIDs(item, depth+1, found)
		}
	case value.Array:
		items, _ := v.Array()
		for _, item := range items {
			if s, ok := item.Str(); ok {
				if s = strings.TrimSpace(s); accountIDPattern.MatchString(s) {
					found[s] = struct{}{}
				}
			}
			extractAccountIDs(item, depth+1, found)
		}
	}
}

func addAccountID(v value.Value, found map[string]struct{}) {
	var s string
	if lit, ok := v.Integer(); ok {
		s = lit
	} else if str, ok := v.Str(); ok {
		s = strings.TrimSpace(str)
	} else {
		return
	}
	if accountIDPattern.MatchString(s) {
		found[s] = struct{}{}
	}
}

// tokenClaims decodes the payload segment of the access token. Neither the
// header nor the signature is looked at.
func (c *Client) tokenClaims() (value.Value, bool) {
	t := c.currentTokens()
	if t == nil {
		return value.Value{}, false
	}

	parts := strings.Split(t.AccessToken, ".")
	if len(parts) != 3 {
		return value.Value{}, false
	}
	payload, err := jwt.NewParser(jwt.WithPaddingAllowed()).DecodeSegment(parts[1])
	if err != nil {
		return value.Value{}, false
	}
	claims, err := value.Parse(payload)
	if err != nil || claims.Kind() != value.Object {
		return value.Value{}, false
	}
	return claims, true
}

// DiscoverAccountIDs collects account ids from the current user, the token
// claims and the account lists. A failing source is skipped.
func (c *Client) DiscoverAccountIDs(ctx context.Context) ([]string, error) {
	if err := c.EnsureToken(ctx); err != nil {
		return nil, err
	}

	found := map[string]struct{}{}

	if me, err := c.getJSON(ctx, get(nil, "users", "current"), true); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Ctx(ctx).DebugContext(ctx, "failed to get current gmp user", slog.Any("error", err))
	} else {
		extractAccountIDs(me, 0, found)
	}

	if claims, ok := c.tokenClaims(); ok {
		extractAccountIDs(claims, 0, found)
	}

	active := url.Values{}
	active.Set("active", "true")
	for _, ep := range []endpoint{get(nil, "accounts"), get(active, "accounts")} {
		data, err := c.getJSON(ctx, ep, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Ctx(ctx).DebugContext(ctx, "failed to list gmp accounts", slog.Any("params", ep.params), slog.Any("error", err))
			continue
		}
		extractAccountIDs(data, 0, found)
	}

	ids := sortedIDs(found)
	log.Ctx(ctx).InfoContext(ctx, "discovered gmp accounts", slog.Int("count", len(ids)))
	return ids, nil
}
