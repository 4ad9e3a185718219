package oracle

import "testing"

func TestParseLabelledLines(t *testing.T) {
	d := ParseReply("DECISION: ENTER\nCONFIDENCE: 0.8\nENTRY: 50000\nSTOP_LOSS: 49000\nTAKE_PROFIT: 52000")

	if d.Kind != KindEnter {
		t.Errorf("expected enter, got %s", d.Kind)
	}
	if d.Confidence != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", d.Confidence)
	}
	if d.Plan == nil {
		t.Fatal("expected trade plan")
	}
	if d.Plan.Entry != 50000 || d.Plan.StopLoss != 49000 || d.Plan.FirstTakeProfit() != 52000 {
		t.Errorf("unexpected plan %+v", d.Plan)
	}
}

func TestParseRepeatedTakeProfitLinesBuildLadder(t *testing.T) {
	d := ParseReply("DECISION: ENTER\nTAKE_PROFIT: 52000\nTAKE_PROFIT: 54000")

	if d.Plan == nil || len(d.Plan.TakeProfits) != 2 {
		t.Fatalf("expected two ladder levels, got %+v", d.Plan)
	}
	if d.Plan.TakeProfits[0] != 52000 || d.Plan.TakeProfits[1] != 54000 {
		t.Errorf("ladder out of order: %v", d.Plan.TakeProfits)
	}
}

func TestParseIsCaseInsensitive(t *testing.T) {
	d := ParseReply("decision: Abandon\nconfidence: 0.9")

	if d.Kind != KindAbandon {
		t.Errorf("expected abandon, got %s", d.Kind)
	}
	if d.Confidence != 0.9 {
		t.Errorf("expected 0.9, got %v", d.Confidence)
	}
}

func TestParseToleratesSurroundingProse(t *testing.T) {
	reply := `Looking at the momentum and the pullback to the 21 EMA,
the setup still needs confirmation.

DECISION: CONTINUE
CONFIDENCE: 0.6

I'd want to see a close above resistance first.`
	d := ParseReply(reply)

	if d.Kind != KindContinue {
		t.Errorf("expected continue, got %s", d.Kind)
	}
	if d.Confidence != 0.6 {
		t.Errorf("expected 0.6, got %v", d.Confidence)
	}
}

func TestParseDefaultsWhenNoLabels(t *testing.T) {
	d := ParseReply("the market looks uncertain, hard to say")

	if d.Kind != KindContinue {
		t.Errorf("expected default continue, got %s", d.Kind)
	}
	if d.Confidence != 0.5 {
		t.Errorf("expected default 0.5, got %v", d.Confidence)
	}
	if d.Plan != nil {
		t.Error("expected no plan")
	}
}

func TestParseJSONBody(t *testing.T) {
	d := ParseReply(`{"decision":"enter","confidence":0.75,"reasoning":"breakout","trade_plan":{"entry":50000,"stop_loss":49000,"take_profit":52000}}`)

	if d.Kind != KindEnter {
		t.Errorf("expected enter, got %s", d.Kind)
	}
	if d.Confidence != 0.75 {
		t.Errorf("expected 0.75, got %v", d.Confidence)
	}
	if d.Reasoning != "breakout" {
		t.Errorf("unexpected reasoning %q", d.Reasoning)
	}
	if d.Plan == nil || d.Plan.FirstTakeProfit() != 52000 {
		t.Errorf("unexpected plan %+v", d.Plan)
	}
}

func TestParseJSONTakeProfitArray(t *testing.T) {
	d := ParseReply(`{"decision":"enter","confidence":0.7,"trade_plan":{"entry":50000,"stop_loss":49000,"take_profit":[52000,54000,56000]}}`)

	if d.Plan == nil {
		t.Fatal("expected trade plan")
	}
	if len(d.Plan.TakeProfits) != 3 || d.Plan.TakeProfits[0] != 52000 {
		t.Errorf("unexpected ladder %v", d.Plan.TakeProfits)
	}
}

func TestParseJSONInsideMarkdownFence(t *testing.T) {
	reply := "Here is my analysis:\n```json\n{\"decision\":\"close\",\"confidence\":0.9}\n```"
	d := ParseReply(reply)

	if d.Kind != KindClose {
		t.Errorf("expected close, got %s", d.Kind)
	}
	if d.Confidence != 0.9 {
		t.Errorf("expected 0.9, got %v", d.Confidence)
	}
}

func TestParseUnknownDecisionFallsBack(t *testing.T) {
	d := ParseReply("DECISION: YOLO\nCONFIDENCE: 0.99")

	if d.Kind != KindContinue {
		t.Errorf("unknown kind must fall back to continue, got %s", d.Kind)
	}
	if d.Confidence != 0.99 {
		t.Errorf("confidence still parsed, got %v", d.Confidence)
	}
}

func TestParsePercentConfidence(t *testing.T) {
	d := ParseReply("DECISION: HOLD\nCONFIDENCE: 80%")

	if d.Kind != KindHold {
		t.Errorf("expected hold, got %s", d.Kind)
	}
	if d.Confidence != 0.8 {
		t.Errorf("expected 0.8 from 80%%, got %v", d.Confidence)
	}
}

func TestParseHyphenatedKind(t *testing.T) {
	d := ParseReply("DECISION: adjust-sl\nSTOP_LOSS: 48,500 USDT")

	if d.Kind != KindAdjustSL {
		t.Errorf("expected adjust_sl, got %s", d.Kind)
	}
	if d.Plan == nil || d.Plan.StopLoss != 48500 {
		t.Errorf("unexpected plan %+v", d.Plan)
	}
}

func TestConfidenceClamped(t *testing.T) {
	d := ParseReply(`{"decision":"hold","confidence":1.7}`)

	if d.Confidence != 1 {
		t.Errorf("expected clamp to 1, got %v", d.Confidence)
	}
}
