package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Resolver looks up a batch of character ids.
type Resolver interface {
	Resolve(ctx context.Context, ids []string) ([]Character, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ids []string) ([]Character, error)

func (f ResolverFunc) Resolve(ctx context.Context, ids []string) ([]Character, error) {
	return f(ctx, ids)
}

// CensusResolver queries the public character collection.
type CensusResolver struct {
	BaseURL   string
	ServiceID string
	Client    *http.Client
}

// NewCensusResolver creates a resolver with its own HTTP client.
func NewCensusResolver(baseURL, serviceID string, timeout time.Duration) *CensusResolver {
	return &CensusResolver{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		ServiceID: serviceID,
		Client:    &http.Client{Timeout: timeout},
	}
}

func (r *CensusResolver) endpoint(ids []string) string {
	q := url.Values{}
	q.Set("character_id", strings.Join(ids, ","))
	q.Set("c:resolve", "outfit")
	q.Set("c:show", "character_id,name.first,faction_id,battle_rank.value")
	return fmt.Sprintf("%s/s:%s/get/ps2:v2/character/?%s", r.BaseURL, url.PathEscape(r.ServiceID), q.Encode())
}

// Resolve issues one GET for all ids. Non-2xx and unparseable bodies are
// errors; ids missing from the response are simply not returned.
func (r *CensusResolver) Resolve(ctx context.Context, ids []string) ([]Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(ids), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("identity API status %d", resp.StatusCode)
	}
	return parseCharacters(body)
}

func parseCharacters(body []byte) ([]Character, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("identity API returned invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if msg := root.Get("error"); msg.Exists() {
		return nil, fmt.Errorf("identity API error: %s", msg.String())
	}
	list := root.Get("character_list")
	if !list.IsArray() {
		return nil, fmt.Errorf("identity API response has no character_list")
	}

	var out []Character
	for _, item := range list.Array() {
		c := Character{
			ID:         item.Get("character_id").String(),
			Name:       item.Get("name.first").String(),
			FactionID:  int(item.Get("faction_id").Int()),
			BattleRank: int(item.Get("battle_rank.value").Int()),
			OutfitTag:  item.Get("outfit.alias").String(),
		}
		if c.ID == "" || c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
