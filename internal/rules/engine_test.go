package rules

import (
	"reflect"
	"testing"

	"devscreen/internal/models"
)

func TestEstimate_CommunicationEyeContact(t *testing.T) {
	e := NewEngine()

	got := e.Estimate(24, "communication", "not making eye contact when name called")

	if got.Risk != models.RiskElevated {
		t.Errorf("Expected risk elevated, got %s", got.Risk)
	}
	if got.Confidence != 0.90 {
		t.Errorf("Expected confidence 0.90, got %v", got.Confidence)
	}
	if got.RuleID != "comm-joint-attention" {
		t.Errorf("Expected rule comm-joint-attention, got %q", got.RuleID)
	}
}

func TestEstimate_FirstMatchWins(t *testing.T) {
	e := NewEngine()

	// Matches both the "no words" rule (0.92) and the eye contact rule (0.90);
	// the earlier rule must win regardless of confidence.
	got := e.Estimate(30, "language", "no words and poor eye contact")
	if got.RuleID != "comm-no-words" {
		t.Fatalf("Expected comm-no-words to win, got %q", got.RuleID)
	}

	// Matches no-phrases (0.85) and eye contact (0.90); eye contact is authored first.
	got = e.Estimate(30, "communication", "no phrases, avoids eye contact")
	if got.RuleID != "comm-joint-attention" {
		t.Fatalf("Expected comm-joint-attention to win, got %q", got.RuleID)
	}
}

func TestEstimate_AgeGate(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name     string
		age      int
		wantRisk models.Risk
		wantConf float64
	}{
		{"below gate", 18, models.RiskLow, 0.8},
		{"above gate", 19, models.RiskElevated, 0.95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Estimate(tt.age, "motor", "still not walking without help")
			if got.Risk != tt.wantRisk {
				t.Errorf("Expected risk %s, got %s", tt.wantRisk, got.Risk)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("Expected confidence %v, got %v", tt.wantConf, got.Confidence)
			}
		})
	}
}

func TestEstimate_TypicalDefault(t *testing.T) {
	e := NewEngine()

	got := e.Estimate(20, "social", "laughs and waves bye-bye")
	if got.Risk != models.RiskLow || got.Confidence != 0.8 {
		t.Errorf("Expected low/0.8 default, got %s/%v", got.Risk, got.Confidence)
	}
	if got.RuleID != "" {
		t.Errorf("Expected no rule ID for default, got %q", got.RuleID)
	}
}

func TestEstimate_UnknownDomain(t *testing.T) {
	e := NewEngine()

	got := e.Estimate(20, "vision", "squints at books")
	if got.Risk != models.RiskUnknown {
		t.Errorf("Expected unknown risk, got %s", got.Risk)
	}
	if got.Confidence != 0.75 {
		t.Errorf("Expected confidence 0.75, got %v", got.Confidence)
	}
}

func TestEstimate_ClassifiesMissingDomain(t *testing.T) {
	e := NewEngine()

	got := e.Estimate(20, "", "Not walking yet, only cruising")
	if got.Domain != DomainMotor {
		t.Fatalf("Expected motor domain, got %q", got.Domain)
	}
	if got.Risk != models.RiskElevated {
		t.Errorf("Expected elevated risk, got %s", got.Risk)
	}
}

func TestClassifyDomain(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		text string
		want string
	}{
		{"says about ten words", DomainCommunication},
		{"cannot climb stairs", DomainMotor},
		{"rarely smiles at parents", DomainSocial},
		{"eats well, sleeps through the night", DomainGeneral},
		// communication keywords are checked before motor ones
		{"talks while learning to walk", DomainCommunication},
	}

	for _, tt := range tests {
		if got := e.ClassifyDomain(tt.text); got != tt.want {
			t.Errorf("ClassifyDomain(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	e := NewEngine()
	inputs := []struct {
		age    int
		domain string
		text   string
	}{
		{24, "communication", "not making eye contact when name called"},
		{10, "", "not sitting"},
		{40, "general", "lost words he used to say"},
		{5, "unknown", ""},
	}

	for _, in := range inputs {
		first := e.Estimate(in.age, in.domain, in.text)
		for i := 0; i < 5; i++ {
			again := NewEngine().Estimate(in.age, in.domain, in.text)
			if !reflect.DeepEqual(first, again) {
				t.Fatalf("Estimate not deterministic for %+v: %+v vs %+v", in, first, again)
			}
		}
	}
}

func TestEstimate_RecommendationsNotShared(t *testing.T) {
	e := NewEngine()

	first := e.Estimate(24, "motor", "not walking")
	first.Recommendations[0] = "mutated"

	second := e.Estimate(24, "motor", "not walking")
	if second.Recommendations[0] == "mutated" {
		t.Fatal("Estimate must not expose rule table slices")
	}
}
