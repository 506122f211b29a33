package rules

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"
)

// helperFunc is the signature of the fixed helper library available to rule
// and header expressions. Helpers are pure except for the injected clock.
type helperFunc func(ctx *evalCtx, args []any) (any, error)

var helpers = map[string]helperFunc{
	"inGroup":     helperInGroup,
	"has":         helperHas,
	"defined":     helperDefined,
	"ipInNet":     helperIPInNet,
	"timeBetween": helperTimeBetween,
	"lower":       helperLower,
	"split":       helperSplit,
}

func wantArgs(args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return fmt.Errorf("expected %d..%d arguments, got %d", min, max, len(args))
	}
	return nil
}

// members normalizes list valued session attributes: multi valued entries
// arrive either as real lists or as a single "; " separated string.
func members(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = asString(e)
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		parts := strings.Split(t, ";")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return []string{asString(t)}
	}
}

func helperInGroup(ctx *evalCtx, args []any) (any, error) {
	if err := wantArgs(args, 1, 1); err != nil {
		return nil, err
	}
	want := asString(args[0])
	for _, g := range members(ctx.attrs["groups"]) {
		if g == want {
			return true, nil
		}
	}
	return false, nil
}

func helperHas(_ *evalCtx, args []any) (any, error) {
	if err := wantArgs(args, 2, 2); err != nil {
		return nil, err
	}
	want := asString(args[1])
	for _, e := range members(args[0]) {
		if e == want {
			return true, nil
		}
	}
	return false, nil
}

func helperDefined(_ *evalCtx, args []any) (any, error) {
	if err := wantArgs(args, 1, 1); err != nil {
		return nil, err
	}
	return args[0] != nil, nil
}

// helperIPInNet accepts CIDR prefixes, address ranges ("10.0.0.1-10.0.0.9")
// and single addresses.
func helperIPInNet(_ *evalCtx, args []any) (any, error) {
	if err := wantArgs(args, 2, -1); err != nil {
		return nil, err
	}
	addrStr := asString(args[0])
	if addrStr == "" {
		return false, nil
	}
	addr, err := netip.ParseAddr(addrStr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addrStr, err)
	}
	var b netipx.IPSetBuilder
	for _, a := range args[1:] {
		s := asString(a)
		switch {
		case strings.Contains(s, "/"):
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q: %w", s, err)
			}
			b.AddPrefix(p)
		case strings.Contains(s, "-"):
			r, err := netipx.ParseIPRange(s)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %w", s, err)
			}
			b.AddRange(r)
		default:
			single, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", s, err)
			}
			b.Add(single)
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return set.Contains(addr.Unmap()), nil
}

func helperTimeBetween(ctx *evalCtx, args []any) (any, error) {
	if err := wantArgs(args, 2, 2); err != nil {
		return nil, err
	}
	from, err := parseClock(asString(args[0]))
	if err != nil {
		return nil, err
	}
	to, err := parseClock(asString(args[1]))
	if err != nil {
		return nil, err
	}
	now := ctx.now()
	minutes := now.Hour()*60 + now.Minute()
	if from <= to {
		return minutes >= from && minutes <= to, nil
	}
	// window crossing midnight
	return minutes >= from || minutes <= to, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.New("time must be HH:MM")
	}
	return t.Hour()*60 + t.Minute(), nil
}

func helperLower(_ *evalCtx, args []any) (any, error) {
	if err := wantArgs(args, 1, 1); err != nil {
		return nil, err
	}
	return strings.ToLower(asString(args[0])), nil
}

func helperSplit(_ *evalCtx, args []any) (any, error) {
	if err := wantArgs(args, 2, 2); err != nil {
		return nil, err
	}
	return strings.Split(asString(args[0]), asString(args[1])), nil
}
