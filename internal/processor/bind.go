package processor

import (
	"fmt"
	"slices"
	"strings"

	"github.com/andresmejia3/cellbridge/internal/bridge"
)

// Binding assigns a host column to one pipeline input channel.
type Binding struct {
	Channel string
	Column  string
}

func (b Binding) String() string { return b.Channel + "=" + b.Column }

// ParseBinding parses "CHANNEL=column".
func ParseBinding(s string) (Binding, error) {
	ch, col, ok := strings.Cut(s, "=")
	ch, col = strings.TrimSpace(ch), strings.TrimSpace(col)
	if !ok || ch == "" || col == "" {
		return Binding{}, fmt.Errorf("%w: binding %q is not CHANNEL=column", bridge.ErrConfiguration, s)
	}
	return Binding{Channel: ch, Column: col}, nil
}

// Bind builds one binding per channel, in channel order. Explicit bindings
// take precedence; a channel without one binds to the column of the same
// name. Every channel must end up bound.
func Bind(channels, columns []string, explicit []Binding) ([]Binding, error) {
	chosen := make(map[string]string, len(explicit))
	for _, b := range explicit {
		if !slices.Contains(channels, b.Channel) {
			return nil, fmt.Errorf("%w: pipeline has no input channel %q (channels: %s)",
				bridge.ErrConfiguration, b.Channel, strings.Join(channels, ", "))
		}
		if !slices.Contains(columns, b.Column) {
			return nil, fmt.Errorf("%w: input table has no column %q", bridge.ErrConfiguration, b.Column)
		}
		if prev, dup := chosen[b.Channel]; dup && prev != b.Column {
			return nil, fmt.Errorf("%w: channel %q bound to both %q and %q",
				bridge.ErrConfiguration, b.Channel, prev, b.Column)
		}
		chosen[b.Channel] = b.Column
	}

	out := make([]Binding, 0, len(channels))
	var missing []string
	for _, ch := range channels {
		col, ok := chosen[ch]
		if !ok && slices.Contains(columns, ch) {
			col, ok = ch, true
		}
		if !ok {
			missing = append(missing, ch)
			continue
		}
		out = append(out, Binding{Channel: ch, Column: col})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no image column bound to channel(s) %s",
			bridge.ErrConfiguration, strings.Join(missing, ", "))
	}
	return out, nil
}
