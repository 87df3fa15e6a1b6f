package proof

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// ErrMalformedGoals indicates an extraction result that is not a goals object.
var ErrMalformedGoals = errors.New("malformed goals result")

// DecodeGoals decodes a Lean.Widget.getInteractiveGoals result. A null result
// means there are no goals at the position. The first goal is the active one.
func DecodeGoals(raw json.RawMessage) ([]Goal, error) {
	if len(raw) == 0 {
		return []Goal{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedGoals)
	}
	root := gjson.ParseBytes(raw)
	if root.Type == gjson.Null {
		return []Goal{}, nil
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrMalformedGoals, root.Type)
	}

	list := root.Get("goals")
	if list.Exists() && !list.IsArray() {
		return nil, fmt.Errorf("%w: goals is %s", ErrMalformedGoals, list.Type)
	}

	goals := make([]Goal, 0, len(list.Array()))
	for i, g := range list.Array() {
		goal := Goal{
			Prefix:   g.Get("goalPrefix").String(),
			Target:   Flatten(g.Get("type")).Text,
			Active:   i == 0,
			Inserted: g.Get("isInserted").Bool(),
			Removed:  g.Get("isRemoved").Bool(),
			Hyps:     []Hypothesis{},
		}
		for _, h := range g.Get("hyps").Array() {
			goal.Hyps = append(goal.Hyps, decodeHypothesis(h))
		}
		goals = append(goals, goal)
	}
	return goals, nil
}

func decodeHypothesis(h gjson.Result) Hypothesis {
	typ := Flatten(h.Get("type"))
	hyp := Hypothesis{
		Names:      stringList(h.Get("names")),
		Type:       typ.Text,
		FVarIDs:    stringList(h.Get("fvarIds")),
		Info:       typ.Info,
		Inserted:   h.Get("isInserted").Bool(),
		Removed:    h.Get("isRemoved").Bool(),
		DiffStatus: typ.DiffStatus,
	}
	if hyp.Names == nil {
		hyp.Names = []string{}
	}
	if val := h.Get("val"); val.Exists() && val.Type != gjson.Null {
		hyp.Value = Flatten(val).Text
	}
	if span := h.Get("range"); span.IsObject() {
		var r protocol.Range
		if err := json.Unmarshal([]byte(span.Raw), &r); err == nil {
			hyp.Span = &r
		}
	}
	return hyp
}

func stringList(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	out := make([]string, 0, len(r.Array()))
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}

// TaggedText is the flattened form of Lean's CodeWithInfos.
type TaggedText struct {
	Text string

	// Info is the "info" member of the first tag, if any.
	Info json.RawMessage

	// DiffStatus is the first diff marker found on a tag.
	DiffStatus string
}

// Flatten collapses tagged text ({"text"}, {"tag":[info, body]} and
// {"append":[...]}) into plain text, keeping the first subexpression info.
func Flatten(r gjson.Result) TaggedText {
	var (
		sb  strings.Builder
		out TaggedText
	)
	flatten(r, &sb, &out)
	out.Text = sb.String()
	return out
}

func flatten(r gjson.Result, sb *strings.Builder, out *TaggedText) {
	switch {
	case r.Type == gjson.String:
		sb.WriteString(r.Str)
	case !r.IsObject():
		return
	case r.Get("text").Exists():
		sb.WriteString(r.Get("text").String())
	case r.Get("append").IsArray():
		for _, part := range r.Get("append").Array() {
			flatten(part, sb, out)
		}
	case r.Get("tag").IsArray():
		tag := r.Get("tag").Array()
		if len(tag) == 0 {
			return
		}
		head := tag[0]
		if out.Info == nil {
			if info := head.Get("info"); info.Exists() {
				out.Info = json.RawMessage(info.Raw)
			}
		}
		if out.DiffStatus == "" {
			out.DiffStatus = head.Get("diffStatus").String()
		}
		if len(tag) > 1 {
			flatten(tag[1], sb, out)
		}
	}
}

// FirstLocation returns the target of the first location in a
// Lean.Widget.getGoToLocation result.
func FirstLocation(raw json.RawMessage) (string, protocol.Range, bool) {
	var links []protocol.LocationLink
	if err := json.Unmarshal(raw, &links); err == nil {
		for _, l := range links {
			if l.TargetURI != "" {
				return string(l.TargetURI), l.TargetSelectionRange, true
			}
		}
	}
	var locs []protocol.Location
	if err := json.Unmarshal(raw, &locs); err == nil {
		for _, l := range locs {
			if l.URI != "" {
				return string(l.URI), l.Range, true
			}
		}
	}
	return "", protocol.Range{}, false
}
