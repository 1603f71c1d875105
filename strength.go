package keepsafe

import "unicode"

// Password strength scores. The score is a coarse heuristic for UI meters
// and the minimum-strength policy, not an entropy estimate.
const (
	StrengthVeryWeak   = 0
	StrengthWeak       = 1
	StrengthFair       = 2
	StrengthStrong     = 3
	StrengthVeryStrong = 4
)

// MinPasswordLength is the shortest master password accepted at vault
// creation and rotation time.
const MinPasswordLength = 8

var strengthLabels = [...]string{
	StrengthVeryWeak:   "Very Weak",
	StrengthWeak:       "Weak",
	StrengthFair:       "Fair",
	StrengthStrong:     "Strong",
	StrengthVeryStrong: "Very Strong",
}

var strengthColors = [...]string{
	StrengthVeryWeak:   "red",
	StrengthWeak:       "orange",
	StrengthFair:       "yellow",
	StrengthStrong:     "lime",
	StrengthVeryStrong: "green",
}

// Score rates a password from 0 (very weak) to 4 (very strong). One point is
// awarded per satisfied character class (lowercase, uppercase, digit,
// symbol) and per length threshold (8 and 12 characters), capped at 4.
func Score(password string) int {
	if password == "" {
		return StrengthVeryWeak
	}

	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	score := 0
	for _, hit := range []bool{lower, upper, digit, symbol} {
		if hit {
			score++
		}
	}

	if len(password) >= MinPasswordLength {
		score++
	}
	if len(password) >= 12 {
		score++
	}

	if score > StrengthVeryStrong {
		score = StrengthVeryStrong
	}
	return score
}

// LabelFor returns the display label for a strength score.
// Out-of-range scores clamp to the nearest table entry.
func LabelFor(score int) string {
	return strengthLabels[clampScore(score)]
}

// ColorFor returns the display color name for a strength score.
func ColorFor(score int) string {
	return strengthColors[clampScore(score)]
}

func clampScore(score int) int {
	if score < StrengthVeryWeak {
		return StrengthVeryWeak
	}
	if score > StrengthVeryStrong {
		return StrengthVeryStrong
	}
	return score
}

// CheckPasswordPolicy enforces the minimum master password requirements:
// at least MinPasswordLength characters and a score of Fair or better.
func CheckPasswordPolicy(password string) error {
	if len(password) < MinPasswordLength {
		return &ValidationError{Field: "password", Reason: "password must be at least 8 characters"}
	}
	if Score(password) < StrengthFair {
		return &ValidationError{Field: "password", Reason: "password is too weak, add more character variety"}
	}
	return nil
}
