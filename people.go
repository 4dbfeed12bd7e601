package mixpanel

import (
	"context"
	"time"

	"github.com/trackkit/mixpanel/pkg/queue"
)

// People builds user-profile mutations for the client's current identity.
// Obtained via Client.People; all operations are fire-and-forget past
// argument validation.
type People struct {
	client *Client
}

// sendProfile builds one profile-stream record around the given mutation
// and enqueues it.
func (p *People) sendProfile(ctx context.Context, action map[string]any) {
	c := p.client
	record := map[string]any{
		"$token":       c.token,
		"$time":        time.Now().UnixMilli(),
		"$distinct_id": c.state.DistinctID(c.token),
		"$device_id":   c.state.DeviceID(c.token),
	}
	if userID := c.state.UserID(c.token); userID != "" {
		record["$user_id"] = userID
	}
	for k, v := range action {
		record[k] = v
	}
	c.enqueue(ctx, queue.StreamProfile, record)
}

// Set writes profile properties, overwriting existing values.
func (p *People) Set(ctx context.Context, properties map[string]any) {
	p.sendProfile(ctx, map[string]any{"$set": properties})
}

// SetOnce writes profile properties only where no value exists yet.
func (p *People) SetOnce(ctx context.Context, properties map[string]any) {
	p.sendProfile(ctx, map[string]any{"$set_once": properties})
}

// Increment adds the numeric values to the corresponding profile properties.
func (p *People) Increment(ctx context.Context, properties map[string]any) {
	p.sendProfile(ctx, map[string]any{"$add": properties})
}

// Append appends each value to the list-valued profile property of the same
// name.
func (p *People) Append(ctx context.Context, properties map[string]any) {
	p.sendProfile(ctx, map[string]any{"$append": properties})
}

// AppendValue appends a single value to one list-valued profile property.
func (p *People) AppendValue(ctx context.Context, name string, value any) {
	p.Append(ctx, map[string]any{name: value})
}

// Union merges each value into the list-valued profile property, skipping
// duplicates server-side.
func (p *People) Union(ctx context.Context, properties map[string]any) {
	p.sendProfile(ctx, map[string]any{"$union": properties})
}

// UnionValue merges a single value into one list-valued profile property.
func (p *People) UnionValue(ctx context.Context, name string, value any) {
	p.Union(ctx, map[string]any{name: value})
}

// Remove removes each value from the list-valued profile property of the
// same name.
func (p *People) Remove(ctx context.Context, properties map[string]any) {
	p.sendProfile(ctx, map[string]any{"$remove": properties})
}

// RemoveValue removes a single value from one list-valued profile property.
func (p *People) RemoveValue(ctx context.Context, name string, value any) {
	p.Remove(ctx, map[string]any{name: value})
}

// Unset deletes one profile property.
func (p *People) Unset(ctx context.Context, name string) {
	p.sendProfile(ctx, map[string]any{"$unset": []any{name}})
}

// TrackCharge appends a revenue transaction ($amount plus optional extra
// properties) to the profile's $transactions list.
func (p *People) TrackCharge(ctx context.Context, amount float64, properties map[string]any) {
	transaction := map[string]any{
		"$amount": amount,
		"$time":   time.Now().UnixMilli(),
	}
	for k, v := range properties {
		transaction[k] = v
	}
	p.Append(ctx, map[string]any{"$transactions": transaction})
}

// ClearCharges empties the profile's $transactions list.
func (p *People) ClearCharges(ctx context.Context) {
	p.Set(ctx, map[string]any{"$transactions": []any{}})
}

// DeleteUser deletes the entire user profile.
func (p *People) DeleteUser(ctx context.Context) {
	p.sendProfile(ctx, map[string]any{"$delete": "null"})
}
