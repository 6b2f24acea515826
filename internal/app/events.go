package app

import (
	"postdeck/internal/eventbus"
	logx "postdeck/pkg/logx"
)

// eventFields flattens a bus event into log fields, payload included.
func eventFields(e eventbus.Event) []logx.Field {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("at", e.Time)}
	switch d := e.Data.(type) {
	case eventbus.DeliveryEvent:
		fields = append(fields, logx.Post(d.PostID), logx.Channel(d.ChannelID))
		if d.Platform != "" {
			fields = append(fields, logx.String("platform", d.Platform))
		}
		if d.Attempt > 0 {
			fields = append(fields, logx.Int("attempt", d.Attempt))
		}
		if d.Kind != "" {
			fields = append(fields, logx.String("kind", d.Kind))
		}
		if d.Error != "" {
			fields = append(fields, logx.String("error", d.Error))
		}
		if !d.NotBefore.IsZero() {
			fields = append(fields, logx.Time("not_before", d.NotBefore))
		}
		if d.Took > 0 {
			fields = append(fields, logx.Duration("took", d.Took))
		}
	case eventbus.PostEvent:
		fields = append(fields, logx.Post(d.PostID), logx.Int("channels", d.Channels))
	case nil:
	default:
		fields = append(fields, logx.Any("data", d))
	}
	return fields
}
