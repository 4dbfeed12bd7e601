package mixpanel

import "context"

// Group builds group-profile mutations for one (group key, group id) pair.
// Obtained via Client.Group; all operations are fire-and-forget.
type Group struct {
	client *Client
	key    string
	id     any
}

// Set writes group-profile properties, overwriting existing values.
func (g *Group) Set(ctx context.Context, properties map[string]any) {
	g.client.sendGroupProfile(ctx, g.key, g.id, map[string]any{"$set": properties})
}

// SetOnce writes group-profile properties only where no value exists yet.
func (g *Group) SetOnce(ctx context.Context, properties map[string]any) {
	g.client.sendGroupProfile(ctx, g.key, g.id, map[string]any{"$set_once": properties})
}

// Unset deletes one group-profile property.
func (g *Group) Unset(ctx context.Context, name string) {
	g.client.sendGroupProfile(ctx, g.key, g.id, map[string]any{"$unset": []any{name}})
}

// Remove removes a value from a list-valued group-profile property.
func (g *Group) Remove(ctx context.Context, name string, value any) {
	g.client.sendGroupProfile(ctx, g.key, g.id, map[string]any{"$remove": map[string]any{name: value}})
}

// Union merges a value into a list-valued group-profile property, skipping
// duplicates server-side.
func (g *Group) Union(ctx context.Context, name string, value any) {
	g.client.sendGroupProfile(ctx, g.key, g.id, map[string]any{"$union": map[string]any{name: value}})
}
