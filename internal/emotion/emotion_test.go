package emotion

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Emotion
	}{
		// exact canonical
		{"joy", Joy},
		{"hurt", Hurt},
		{"neutral", Neutral},
		// case and whitespace
		{"  Joy ", Joy},
		{"FEAR", Fear},
		// alias table
		{"shame", Hurt},
		{"dread", Fear},
		{"panic", Fear},
		{"gratitude", Warmth},
		// compound phrases keep scanning for a canonical token
		{"existential fear", Fear},
		{"quiet joy", Joy},
		{"bittersweet longing", Longing},
		// keyword scan
		{"dreading the review", Fear},
		{"so lonely tonight", Loneliness},
		// unknown falls through to neutral
		{"", Neutral},
		{"quux", Neutral},
		{"42", Neutral},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAlwaysCanonical(t *testing.T) {
	inputs := []string{"joy", "existential dread", "grr", "melancholy", "???", "surprise party"}
	for _, in := range inputs {
		if got := Normalize(in); !IsCanonical(got) {
			t.Errorf("Normalize(%q) = %q, not canonical", in, got)
		}
	}
}

func TestValence(t *testing.T) {
	if ValenceOf(Joy) != ValencePositive {
		t.Errorf("joy should be positive, got %v", ValenceOf(Joy))
	}
	if ValenceOf(Hurt) != ValenceNegative {
		t.Errorf("hurt should be negative, got %v", ValenceOf(Hurt))
	}
	if ValenceOf(Surprise) != ValenceSurprise {
		t.Errorf("surprise should be its own class, got %v", ValenceOf(Surprise))
	}

	// Positive and negative classes partially match within themselves.
	if !SameValence(Joy, Pride) {
		t.Error("joy and pride share positive valence")
	}
	if !SameValence(Fear, Sadness) {
		t.Error("fear and sadness share negative valence")
	}
	// Neutral and surprise are singleton classes: same-valence requires
	// exact match, which the caller handles before this check.
	if SameValence(Neutral, Joy) {
		t.Error("neutral must not match positive")
	}
	if SameValence(Surprise, Fear) {
		t.Error("surprise must not match negative")
	}
	if SameValence(Joy, Fear) {
		t.Error("positive must not match negative")
	}
}

func TestFirstWord(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"existential dread", "existential"},
		{"existential fear", "existential"},
		{"joy", "joy"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := FirstWord(tt.in); got != tt.want {
			t.Errorf("FirstWord(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
