package oracle

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Decision kinds the pipeline understands.
const (
	KindEnter    = "enter"
	KindContinue = "continue"
	KindAbandon  = "abandon"
	KindHold     = "hold"
	KindAdjustSL = "adjust_sl"
	KindAdjustTP = "adjust_tp"
	KindReduce   = "reduce"
	KindClose    = "close"
)

// PriceLadder is an ordered list of price levels, nearest first. It decodes
// from either a single number or an array, since oracle replies use both
// forms.
type PriceLadder []float64

func (p *PriceLadder) UnmarshalJSON(data []byte) error {
	var single float64
	if err := json.Unmarshal(data, &single); err == nil {
		*p = PriceLadder{single}
		return nil
	}
	var levels []float64
	if err := json.Unmarshal(data, &levels); err != nil {
		return err
	}
	*p = levels
	return nil
}

// TradePlan carries the oracle's optional price levels.
type TradePlan struct {
	Entry        float64     `json:"entry"`
	StopLoss     float64     `json:"stop_loss"`
	TakeProfits  PriceLadder `json:"take_profit"`
	PositionSize float64     `json:"position_size"`
}

// FirstTakeProfit returns the nearest take-profit level, or 0 when the plan
// has none.
func (p *TradePlan) FirstTakeProfit() float64 {
	if len(p.TakeProfits) == 0 {
		return 0
	}
	return p.TakeProfits[0]
}

func (p *TradePlan) empty() bool {
	return p.Entry == 0 && p.StopLoss == 0 && p.PositionSize == 0 && p.FirstTakeProfit() == 0
}

// Decision is a parsed oracle verdict.
type Decision struct {
	Kind       string
	Confidence float64
	Reasoning  string
	Plan       *TradePlan
	Raw        string
}

var validKinds = map[string]bool{
	KindEnter:    true,
	KindContinue: true,
	KindAbandon:  true,
	KindHold:     true,
	KindAdjustSL: true,
	KindAdjustTP: true,
	KindReduce:   true,
	KindClose:    true,
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

type jsonReply struct {
	Decision   string     `json:"decision"`
	Confidence *float64   `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	TradePlan  *TradePlan `json:"trade_plan"`
}

// ParseReply extracts a Decision from a free-form oracle reply. Replies may
// be a JSON object (optionally fenced or surrounded by prose) or labelled
// DECISION:/CONFIDENCE:/ENTRY:/STOP_LOSS:/TAKE_PROFIT: lines in any case.
// Anything unrecognized falls back to continue with confidence 0.5.
func ParseReply(raw string) *Decision {
	d := &Decision{
		Kind:       KindContinue,
		Confidence: 0.5,
		Raw:        raw,
	}

	cleaned := stripCodeFences(raw)

	if parseJSONReply(cleaned, d) {
		return d
	}
	parseLabelledLines(cleaned, d)
	return d
}

// stripCodeFences unwraps markdown code blocks, keeping their contents.
func stripCodeFences(s string) string {
	if matches := codeFenceRe.FindStringSubmatch(s); matches != nil {
		return matches[1]
	}
	return s
}

// parseJSONReply tries to decode the first JSON object found in the text.
func parseJSONReply(s string, d *Decision) bool {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return false
	}

	var reply jsonReply
	if err := json.Unmarshal([]byte(s[start:end+1]), &reply); err != nil {
		return false
	}

	kind := normalizeKind(reply.Decision)
	if !validKinds[kind] {
		return false
	}

	d.Kind = kind
	if reply.Confidence != nil {
		d.Confidence = clampConfidence(*reply.Confidence)
	}
	d.Reasoning = reply.Reasoning
	if reply.TradePlan != nil && !reply.TradePlan.empty() {
		plan := *reply.TradePlan
		d.Plan = &plan
	}
	return true
}

func parseLabelledLines(s string, d *Decision) {
	plan := TradePlan{}
	havePlan := false
	var reasoning []string

	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		label, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToUpper(strings.TrimSpace(label)) {
		case "DECISION":
			if kind := normalizeKind(value); validKinds[kind] {
				d.Kind = kind
			}
		case "CONFIDENCE":
			if f, err := parseNumber(value); err == nil {
				if f > 1 {
					f /= 100
				}
				d.Confidence = clampConfidence(f)
			}
		case "ENTRY":
			if f, err := parseNumber(value); err == nil {
				plan.Entry = f
				havePlan = true
			}
		case "STOP_LOSS":
			if f, err := parseNumber(value); err == nil {
				plan.StopLoss = f
				havePlan = true
			}
		case "TAKE_PROFIT":
			if f, err := parseNumber(value); err == nil {
				plan.TakeProfits = append(plan.TakeProfits, f)
				havePlan = true
			}
		case "POSITION_SIZE":
			if f, err := parseNumber(value); err == nil {
				plan.PositionSize = f
				havePlan = true
			}
		case "REASONING":
			if value != "" {
				reasoning = append(reasoning, value)
			}
		}
	}

	if havePlan {
		d.Plan = &plan
	}
	if len(reasoning) > 0 {
		d.Reasoning = strings.Join(reasoning, " ")
	}
}

func normalizeKind(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".!\"'`")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// parseNumber reads a float, tolerating trailing units and separators like
// "49,000 USDT" or "80%".
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")

	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' {
			end++
			continue
		}
		break
	}
	return strconv.ParseFloat(s[:end], 64)
}

func clampConfidence(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
